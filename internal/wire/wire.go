// Package wire defines the frame contract spoken on both socket endpoints.
//
// It is intentionally dependency-light: session, dispatch, and queue all share
// these types, and the same JSON shapes travel through the delivery stream.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame kinds (wire-stable).
const (
	// Client -> server.
	KindNew      = "new"
	KindReply    = "reply"
	KindStatus   = "status"
	KindReaction = "reaction"
	KindUpdate   = "update"
	KindRemove   = "remove"
	KindForward  = "forward"

	// Server -> client.
	KindSystem = "system"
	KindError  = "error"
)

// Application close codes for the socket endpoints.
const (
	CloseUnauthenticated = 4401
	CloseNotFound        = 4404
	CloseInternal        = 1011
)

// ErrUnknownKind marks frames the dispatcher should log and drop.
var ErrUnknownKind = errors.New("unknown kind")

var inboundKinds = map[string]struct{}{
	KindNew:      {},
	KindReply:    {},
	KindStatus:   {},
	KindReaction: {},
	KindUpdate:   {},
	KindRemove:   {},
	KindForward:  {},
}

// Frame is the canonical wire wrapper: {"kind": ..., "message": {...}}.
type Frame struct {
	Kind    string          `json:"kind"`
	Message json.RawMessage `json:"message"`
}

// Validate performs structural validation for an inbound frame.
// Unknown kinds are reported so the dispatcher can log and drop them.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Kind) == "" {
		return errors.New("missing field: kind")
	}
	if _, ok := inboundKinds[f.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	if len(f.Message) == 0 {
		return errors.New("missing field: message")
	}
	return nil
}

// NewFrame marshals body into a Frame of the given kind.
// Marshal failures are programmer errors; the frame is returned empty.
func NewFrame(kind string, body any) Frame {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{Kind: kind}
	}
	return Frame{Kind: kind, Message: raw}
}

// Encode renders the frame as a single JSON text message.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a single JSON text message into f.
func (f *Frame) Decode(data []byte) error {
	return json.Unmarshal(data, f)
}

// ---- inbound payloads ----

// StatusBody advances a message through sent -> delivered -> read.
type StatusBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ReactionBody sets or clears a reaction slot on a message.
// A null reaction clears the slot.
type ReactionBody struct {
	ID       string  `json:"id"`
	User     string  `json:"user"`
	Reaction *string `json:"reaction"`
}

// UpdateBody replaces both content envelopes of a message.
type UpdateBody struct {
	ID               string          `json:"id"`
	SenderContent    json.RawMessage `json:"senderContent"`
	RecipientContent json.RawMessage `json:"recipientContent"`
}

// RemoveBody deletes a message; only the author may remove.
type RemoveBody struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// ---- outbound payloads ----

// ErrorBody is sent to the originating socket only, never broadcast.
type ErrorBody struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// SystemBody is the synthetic event published when a participant joins a topic.
type SystemBody struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusEvent is the broadcast shape for a status transition.
type StatusEvent struct {
	ID           string `json:"_id"`
	Conversation string `json:"conversation"`
	Status       string `json:"status"`
}

// ReactionEvent is the broadcast shape for a reaction change.
type ReactionEvent struct {
	ID           string `json:"_id"`
	Conversation string `json:"conversation"`
	Reactions    any    `json:"reactions"`
}

// RemoveEvent is the broadcast shape for a deletion.
type RemoveEvent struct {
	ID           string `json:"_id"`
	Conversation string `json:"conversation"`
}

// ErrorFrame builds the single-recipient error frame for a failed inbound frame.
func ErrorFrame(id, kind, msg string) Frame {
	return NewFrame(KindError, ErrorBody{ID: id, Kind: kind, Error: msg})
}

// SystemJoinFrame builds the synthetic join event for a conversation topic.
func SystemJoinFrame(now time.Time) Frame {
	return NewFrame(KindSystem, SystemBody{
		Type:      "system",
		Message:   "A user joined",
		CreatedAt: now,
	})
}
