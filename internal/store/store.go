// Package store is the typed repository over users, conversations, and
// messages. Every operation returns a value or an OpError; the Mongo
// implementation backs production and the memory implementation backs dev
// and tests.
package store

import (
	"context"

	"veil/internal/model"
)

// Pagination and pin defaults; overridable through Options.
const (
	DefaultConversationPage = 10
	DefaultMessagePage      = 20
	DefaultMaxPins          = 5
)

// ListFilter selects a conversation listing.
type ListFilter string

const (
	FilterAll      ListFilter = "all"
	FilterRequests ListFilter = "requested"
	FilterTrusted  ListFilter = "trusted"
	FilterUnread   ListFilter = "unread"
	FilterPins     ListFilter = "pins"
)

// Counts is the per-user conversation summary.
type Counts struct {
	Total     int `json:"total"`
	Unread    int `json:"unread"`
	Requested int `json:"requested"`
}

// UserFields are the single-field update targets allowed by UpdateUserField.
var UserFields = map[string]struct{}{
	"name":     {},
	"avatar":   {},
	"status":   {},
	"verified": {},
}

// Users is the user repository boundary.
type Users interface {
	CreateUser(ctx context.Context, u model.User) error
	FindUserByHex(ctx context.Context, hex string) (model.User, error)
	UpdateUserKeys(ctx context.Context, hex, publicKey, encryptedPrivateKey, nonce, salt string) error
	UpdateUserField(ctx context.Context, hex, field string, value any) error
	DeleteUser(ctx context.Context, hex string) error
}

// Conversations is the conversation repository boundary.
type Conversations interface {
	CreateConversation(ctx context.Context, c model.Conversation) error
	FindConversationByHex(ctx context.Context, hex string) (model.Conversation, error)
	ConversationExists(ctx context.Context, participantHexes []string) (bool, error)
	ConversationBetween(ctx context.Context, a, b string) (model.Conversation, error)
	// ListConversations pages by (participant, filter), updatedAt desc,
	// joined with the last message.
	ListConversations(ctx context.Context, userHex string, filter ListFilter, page int) ([]model.Conversation, error)
	PinConversation(ctx context.Context, convHex, userHex string) error
	UnpinConversation(ctx context.Context, convHex, userHex string) error
	AcceptConversation(ctx context.Context, convHex, userHex string) error
	ConversationCounts(ctx context.Context, userHex string) (Counts, error)
}

// Messages is the message repository boundary.
type Messages interface {
	// InsertMessage persists msg and advances the conversation's
	// last/total/unread/updatedAt.
	InsertMessage(ctx context.Context, msg model.Message) error
	FindMessageByID(ctx context.Context, id string) (model.Message, error)
	// UpdateMessageStatus refuses downgrades (Invariant).
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) (model.Message, error)
	// UpdateMessageReactions sets or clears one slot (nil clears).
	UpdateMessageReactions(ctx context.Context, id string, slot model.ReactionSlot, r *model.Reaction) (model.Message, error)
	// UpdateMessageContents replaces both envelopes atomically.
	UpdateMessageContents(ctx context.Context, id string, sender, recipient model.Envelope) (model.Message, error)
	// DeleteMessage enforces actor == author and recomputes the
	// conversation's last and total.
	DeleteMessage(ctx context.Context, id, actor string) (model.Message, error)
	// PageMessages returns one newest-first page.
	PageMessages(ctx context.Context, conversationHex string, page int) ([]model.Message, error)
}

// Store bundles the three repositories behind one seam.
type Store struct {
	Users         Users
	Conversations Conversations
	Messages      Messages
}

// Limits carries the configurable pagination and pin bounds.
type Limits struct {
	ConversationPage int
	MessagePage      int
	MaxPins          int
}

// Normalize fills zero fields with defaults.
func (l Limits) Normalize() Limits {
	if l.ConversationPage <= 0 {
		l.ConversationPage = DefaultConversationPage
	}
	if l.MessagePage <= 0 {
		l.MessagePage = DefaultMessagePage
	}
	if l.MaxPins <= 0 {
		l.MaxPins = DefaultMaxPins
	}
	return l
}
