package app

import (
	"net"
	"strconv"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Host     string
	Port     int
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	TLSCertFile string
	TLSKeyFile  string

	MongoURI string
	RedisURI string

	JWTSecret    string
	JWTExpiresIn time.Duration
	// JWTRefreshExpiresIn mirrors the token issuer's deployment env; the
	// server only verifies access tokens.
	JWTRefreshExpiresIn time.Duration
	AuthSalt            string

	ConversationPage int
	MessagePage      int
	MaxPins          int

	SocketIdle     time.Duration
	AllowedOrigins []string

	// DevInsecureWS disables WebSocket origin verification. Dev-only knob.
	DevInsecureWS bool

	// InstanceID scopes this process's delivery consumer group.
	InstanceID string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Host:     EnvString("APP_HOST", "0.0.0.0"),
		Port:     EnvInt("APP_PORT", 8080),
		LogLevel: EnvString("LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HTTP_MAX_HEADER_BYTES", 1<<20),

		TLSCertFile: EnvString("TLS_CERT_FILE", ""),
		TLSKeyFile:  EnvString("TLS_KEY_FILE", ""),

		MongoURI: EnvString("MONGO_URI", ""),
		RedisURI: redisURI(),

		JWTSecret:           EnvString("JWT_SECRET", ""),
		JWTExpiresIn:        EnvDuration("JWT_EXPIRES_IN", 24*time.Hour),
		JWTRefreshExpiresIn: EnvDuration("JWT_REFRESH_EXPIRES_IN", 30*24*time.Hour),
		AuthSalt:            EnvString("AUTH_SALT", ""),

		ConversationPage: EnvInt("CHAT_PER_PAGE", 10),
		MessagePage:      EnvInt("CHAT_HISTORY", 20),
		MaxPins:          EnvInt("CHAT_MAX_PINS", 5),

		SocketIdle:     EnvDuration("SOCKET_IDLE_TIMEOUT", 960*time.Second),
		AllowedOrigins: EnvCSV("ALLOWED_ORIGINS", ""),
		DevInsecureWS:  EnvBool("DEV_INSECURE_WS", false),

		InstanceID: EnvString("INSTANCE_ID", ""),
	}
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled reports whether both cert and key paths are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// redisURI prefers REDIS_URI; otherwise it is assembled from host and port.
func redisURI() string {
	if uri := EnvString("REDIS_URI", ""); uri != "" {
		return uri
	}
	host := EnvString("REDIS_HOST", "")
	if host == "" {
		return ""
	}
	port := EnvInt("REDIS_PORT", 6379)
	return "redis://" + net.JoinHostPort(host, strconv.Itoa(port))
}
