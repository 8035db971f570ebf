// Package model holds the persisted shapes for users, conversations, and
// messages. The server never inspects envelope contents; it stores them opaque.
package model

import "time"

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
)

// Envelope is the opaque {encrypted, nonce} pair. The server only enforces
// presence; decryption happens on clients.
type Envelope struct {
	Encrypted string `bson:"encrypted" json:"encrypted"`
	Nonce     string `bson:"nonce" json:"nonce"`
}

// User is a registered identity plus its cryptographic envelope.
type User struct {
	Hex      string     `bson:"hex" json:"hex"`
	Name     string     `bson:"name,omitempty" json:"name,omitempty"`
	Avatar   string     `bson:"avatar,omitempty" json:"avatar,omitempty"`
	Verified bool       `bson:"verified" json:"verified"`
	Status   UserStatus `bson:"status" json:"status"`

	PublicKey           string `bson:"publicKey" json:"publicKey"`
	EncryptedPrivateKey string `bson:"encryptedPrivateKey" json:"encryptedPrivateKey"`
	PrivateKeyNonce     string `bson:"privateKeyNonce" json:"privateKeyNonce"`
	PasscodeSalt        string `bson:"passcodeSalt" json:"passcodeSalt"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Role is a participant's role inside a conversation.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ParticipantStatus is a participant's state inside a conversation.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantInactive  ParticipantStatus = "inactive"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantBlocked   ParticipantStatus = "blocked"
)

// Participant is one member of a conversation.
type Participant struct {
	Hex      string            `bson:"hex" json:"hex"`
	Role     Role              `bson:"role" json:"role"`
	Status   ParticipantStatus `bson:"status" json:"status"`
	Online   bool              `bson:"online" json:"online"`
	JoinedAt time.Time         `bson:"joinedAt" json:"joinedAt"`
}

// Trust is the acceptance axis of a conversation: born request, accepted once.
type Trust string

const (
	TrustRequest Trust = "request"
	TrustTrusted Trust = "trusted"
)

// Scope is the membership axis. Only user (1-to-1) conversations are creatable.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
)

// Pin marks a conversation kept at the top of one user's listings.
type Pin struct {
	User     string    `bson:"user" json:"user"`
	PinnedAt time.Time `bson:"pinnedAt" json:"pinnedAt"`
}

// Tombstone is a per-user deleted marker; messages remain, visibility filtered.
type Tombstone struct {
	User      string    `bson:"user" json:"user"`
	DeletedAt time.Time `bson:"deletedAt" json:"deletedAt"`
}

// Conversation binds exactly two participants for ScopeUser.
type Conversation struct {
	Hex          string        `bson:"hex" json:"hex"`
	Participants []Participant `bson:"participants" json:"participants"`
	// Trust is serialized as "kind" on the wire; clients know the axis by
	// that name.
	Trust        Trust         `bson:"trust" json:"kind"`
	Scope        Scope         `bson:"scope" json:"scope"`
	From         string        `bson:"from" json:"from"`

	// PairKey is the canonical unordered participant pair, backing the
	// one-conversation-per-pair invariant for ScopeUser.
	PairKey string `bson:"pairKey,omitempty" json:"-"`

	LastID string `bson:"last,omitempty" json:"-"`
	Unread int    `bson:"unread" json:"unread"`
	Total  int    `bson:"total" json:"total"`

	Pins    []Pin       `bson:"pins,omitempty" json:"pins,omitempty"`
	Deleted []Tombstone `bson:"deleted,omitempty" json:"deleted,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	// Last is joined on listings; not stored inline.
	Last *Message `bson:"-" json:"last,omitempty"`
}

// IsParticipant reports whether hex is a member of the conversation.
func (c Conversation) IsParticipant(hex string) bool {
	for _, p := range c.Participants {
		if p.Hex == hex {
			return true
		}
	}
	return false
}

// ParticipantHexes returns the member ids in declaration order.
func (c Conversation) ParticipantHexes() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.Hex)
	}
	return out
}

// PinnedBy reports whether user has pinned the conversation.
func (c Conversation) PinnedBy(user string) bool {
	for _, p := range c.Pins {
		if p.User == user {
			return true
		}
	}
	return false
}

// MessageKind distinguishes plain messages from replies and forwards.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindReply   MessageKind = "reply"
	KindForward MessageKind = "forward"
)

// MessageType is the media class of a message.
type MessageType string

const (
	TypeAll   MessageType = "all"
	TypeAudio MessageType = "audio"
)

// MessageStatus advances monotonically sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// StatusRank orders statuses for monotonicity checks. Unknown ranks -1.
func StatusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Reaction is one of the fixed reaction values.
type Reaction string

const (
	ReactionLike  Reaction = "like"
	ReactionLove  Reaction = "love"
	ReactionLaugh Reaction = "laugh"
	ReactionWow   Reaction = "wow"
	ReactionSad   Reaction = "sad"
	ReactionAngry Reaction = "angry"
)

// ValidReaction reports membership in the reaction enum.
func ValidReaction(r Reaction) bool {
	switch r {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad, ReactionAngry:
		return true
	}
	return false
}

// ReactionSlot names the two reaction slots on a message.
type ReactionSlot string

const (
	SlotFrom ReactionSlot = "from"
	SlotTo   ReactionSlot = "to"
)

// Reactions maps the author (from) and the counterpart (to) to a reaction.
type Reactions struct {
	From *Reaction `bson:"from,omitempty" json:"from,omitempty"`
	To   *Reaction `bson:"to,omitempty" json:"to,omitempty"`
}

// Attachment is client-side metadata for an uploaded file.
type Attachment struct {
	Name string `bson:"name" json:"name"`
	Size int64  `bson:"size" json:"size"`
	Type string `bson:"type" json:"type"`
	Link string `bson:"link" json:"link"`
}

// ReplyPreview carries the correctly-addressed preview of a reply's parent.
// The envelopes are swapped relative to the parent so each side decrypts
// the copy addressed to it.
type ReplyPreview struct {
	RecipientContent Envelope `bson:"recipientContent" json:"recipientContent"`
	SenderContent    Envelope `bson:"senderContent" json:"senderContent"`
}

// Message is one persisted chat message with its two opaque envelopes.
type Message struct {
	ID           string      `bson:"_id" json:"_id"`
	Conversation string      `bson:"conversation" json:"conversation"`
	Kind         MessageKind `bson:"kind" json:"kind"`
	Type         MessageType `bson:"type" json:"type"`
	Parent       string      `bson:"parent,omitempty" json:"parent,omitempty"`
	User         string      `bson:"user" json:"user"`

	RecipientContent Envelope `bson:"recipientContent" json:"recipientContent"`
	SenderContent    Envelope `bson:"senderContent" json:"senderContent"`

	Status MessageStatus `bson:"status" json:"status"`

	Attachments []Attachment `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Images      []string     `bson:"images,omitempty" json:"images,omitempty"`
	Videos      []string     `bson:"videos,omitempty" json:"videos,omitempty"`
	Audio       string       `bson:"audio,omitempty" json:"audio,omitempty"`

	Reactions Reactions     `bson:"reactions,omitempty" json:"reactions"`
	Reply     *ReplyPreview `bson:"reply,omitempty" json:"reply,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// PairKey returns the canonical key for an unordered participant pair.
// It backs the at-most-one-conversation-per-pair invariant.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
