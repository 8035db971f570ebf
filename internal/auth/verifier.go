// Package auth verifies the signed cookie token that authenticates both the
// HTTP surface and the socket upgrade handshakes.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie carrying the access token.
const DefaultCookieName = "x-access-token"

// ErrUnauthenticated covers every verification failure: missing cookie, bad
// signature, expired, malformed. Callers must not see the underlying cause.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the verified identity embedded in the token.
type Principal struct {
	Hex       string `json:"hex"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Verified  bool   `json:"verified"`
	Status    string `json:"status,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`

	// ExpiresAt mirrors the token's exp claim so long-lived sockets can be
	// closed when the token lapses. Zero when the token carries no expiry.
	ExpiresAt time.Time `json:"-"`
}

// Claims is the token payload: principal fields plus registered claims.
type Claims struct {
	Hex       string `json:"hex"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Verified  bool   `json:"verified"`
	Status    string `json:"status,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses and verifies HMAC-signed tokens from a named cookie.
type Verifier struct {
	secret     []byte
	cookieName string
	method     jwt.SigningMethod
	ttl        time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCookieName overrides the cookie name (default x-access-token).
func WithCookieName(name string) Option {
	return func(v *Verifier) {
		name = strings.TrimSpace(name)
		if name != "" {
			v.cookieName = name
		}
	}
}

// WithSalt appends a deployment salt to the signing key. Issuer and
// verifier must agree on it.
func WithSalt(salt string) Option {
	return func(v *Verifier) {
		salt = strings.TrimSpace(salt)
		if salt != "" {
			v.secret = append(v.secret, []byte(salt)...)
		}
	}
}

// WithSigningMethod overrides the HMAC signing method (default HS256).
func WithSigningMethod(m jwt.SigningMethod) Option {
	return func(v *Verifier) {
		if m != nil {
			v.method = m
		}
	}
}

// WithTTL sets the lifetime applied by Sign (default 24h).
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// NewVerifier constructs a Verifier for the shared secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty secret")
	}
	v := &Verifier{
		secret:     []byte(secret),
		cookieName: DefaultCookieName,
		method:     jwt.SigningMethodHS256,
		ttl:        24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// CookieName returns the configured cookie name.
func (v *Verifier) CookieName() string { return v.cookieName }

// FromRequest verifies the token cookie on r.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	c, err := r.Cookie(v.cookieName)
	if err != nil || c == nil {
		return Principal{}, ErrUnauthenticated
	}
	return v.Verify(c.Value)
}

// FromCookieHeader extracts the named cookie from a raw Cookie header value
// and verifies it.
func (v *Verifier) FromCookieHeader(header string) (Principal, error) {
	token := cookieValue(header, v.cookieName)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	return v.Verify(token)
}

// Verify parses and validates a raw token string.
// It never panics across the boundary; every failure maps to ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Principal{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.Hex) == "" {
		return Principal{}, ErrUnauthenticated
	}

	p := Principal{
		Hex:       claims.Hex,
		Name:      claims.Name,
		Avatar:    claims.Avatar,
		Verified:  claims.Verified,
		Status:    claims.Status,
		PublicKey: claims.PublicKey,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Sign issues a token for p. Token issuance normally lives with the identity
// service; this is used by tests and ops tooling.
func (v *Verifier) Sign(p Principal, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims := &Claims{
		Hex:       p.Hex,
		Name:      p.Name,
		Avatar:    p.Avatar,
		Verified:  p.Verified,
		Status:    p.Status,
		PublicKey: p.PublicKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Hex,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
}

// cookieValue pulls one cookie value out of a raw Cookie header.
func cookieValue(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		k, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k == name {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
