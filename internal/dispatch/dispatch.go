// Package dispatch owns the message state machine: it interprets an inbound
// frame's kind, validates, mutates persisted state, publishes to the channel
// hub, and hands cross-instance delivery to the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"veil/internal/hexid"
	"veil/internal/hub"
	"veil/internal/metrics"
	"veil/internal/model"
	"veil/internal/queue"
	"veil/internal/store"
	"veil/internal/validate"
	"veil/internal/wire"
)

// messageIDBytes yields the 20-hex-char message ids.
const messageIDBytes = 10

// handlerFunc processes one validated inbound frame. refID names the message
// the failure refers to, when known; err becomes the error frame text.
type handlerFunc func(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (refID string, err error)

// Dispatcher is a pure function of (frame, principal, repository, hub, queue):
// it holds no per-conversation state of its own.
type Dispatcher struct {
	log      *slog.Logger
	st       store.Store
	hub      *hub.Hub
	producer queue.Producer
	metrics  *metrics.Metrics

	handlers map[string]handlerFunc
}

// New wires a Dispatcher. metrics may be nil.
func New(log *slog.Logger, st store.Store, h *hub.Hub, producer queue.Producer, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:      log,
		st:       st,
		hub:      h,
		producer: producer,
		metrics:  m,
	}
	d.handlers = map[string]handlerFunc{
		wire.KindNew:      d.onNew,
		wire.KindReply:    d.onReply,
		wire.KindStatus:   d.onStatus,
		wire.KindReaction: d.onReaction,
		wire.KindUpdate:   d.onUpdate,
		wire.KindRemove:   d.onRemove,
		wire.KindForward:  d.onForward,
	}
	return d
}

// Dispatch routes one inbound frame. Unknown kinds are logged and dropped;
// every handler failure becomes an error frame to the originating socket only.
func (d *Dispatcher) Dispatch(ctx context.Context, origin *hub.Client, conv model.Conversation, frame wire.Frame) {
	h, ok := d.handlers[frame.Kind]
	if !ok {
		d.log.Info("dispatch.drop.unknown_kind", "kind", frame.Kind, "conversation", conv.Hex)
		return
	}
	d.countFrame(frame.Kind)

	refID, err := h(ctx, origin, conv, frame.Message)
	if err != nil {
		d.countError(frame.Kind)
		d.log.Info("dispatch.fail",
			"kind", frame.Kind, "conversation", conv.Hex, "user", origin.UserHex, "err", err)
		origin.TrySend(wire.ErrorFrame(refID, frame.Kind, clientMessage(err)))
	}
}

// ---- handlers ----

func (d *Dispatcher) onNew(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	msg, err := d.buildMessage(newMessageSchema, raw, origin, conv)
	if err != nil {
		return "", err
	}

	if err := d.insertWithRetry(ctx, &msg); err != nil {
		return "", err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindNew, msg))
	return msg.ID, nil
}

func (d *Dispatcher) onReply(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	msg, err := d.buildMessage(replySchema, raw, origin, conv)
	if err != nil {
		return "", err
	}
	msg.Kind = model.KindReply

	parent, err := d.st.Messages.FindMessageByID(ctx, msg.Parent)
	if err != nil {
		if store.IsNotFound(err) {
			return msg.Parent, errors.New("Parent message not found")
		}
		return msg.Parent, err
	}

	// The swap exposes the correctly-addressed preview of the parent to
	// each side: the replier decrypts the parent's recipient copy and the
	// original author decrypts their sender copy.
	msg.Reply = &model.ReplyPreview{
		RecipientContent: parent.SenderContent,
		SenderContent:    parent.RecipientContent,
	}

	if err := d.insertWithRetry(ctx, &msg); err != nil {
		return "", err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindReply, msg))
	return msg.ID, nil
}

func (d *Dispatcher) onStatus(ctx context.Context, _ *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	var body wire.StatusBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if _, err := d.findConvMessage(ctx, conv, body.ID); err != nil {
		return body.ID, err
	}

	msg, err := d.st.Messages.UpdateMessageStatus(ctx, body.ID, model.MessageStatus(body.Status))
	if err != nil {
		return body.ID, err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindStatus, wire.StatusEvent{
		ID:           msg.ID,
		Conversation: msg.Conversation,
		Status:       string(msg.Status),
	}))
	return msg.ID, nil
}

func (d *Dispatcher) onReaction(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	var body wire.ReactionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	msg, err := d.findConvMessage(ctx, conv, body.ID)
	if err != nil {
		return body.ID, err
	}

	// Self reaction lands in the author slot, the counterpart's in "to".
	slot := model.SlotTo
	if origin.UserHex == msg.User {
		slot = model.SlotFrom
	}

	var reaction *model.Reaction
	if body.Reaction != nil {
		r := model.Reaction(*body.Reaction)
		reaction = &r
	}

	updated, err := d.st.Messages.UpdateMessageReactions(ctx, body.ID, slot, reaction)
	if err != nil {
		return body.ID, err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindReaction, wire.ReactionEvent{
		ID:           updated.ID,
		Conversation: updated.Conversation,
		Reactions:    updated.Reactions,
	}))
	return updated.ID, nil
}

func (d *Dispatcher) onUpdate(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	var body wire.UpdateBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	msg, err := d.findConvMessage(ctx, conv, body.ID)
	if err != nil {
		return body.ID, err
	}
	// Only the author holds the plaintext, so only the author can re-encrypt.
	if origin.UserHex != msg.User {
		return body.ID, errors.New("Unauthorized to edit message")
	}

	fields, err := decodeObject(map[string]json.RawMessage{
		"senderContent":    body.SenderContent,
		"recipientContent": body.RecipientContent,
	})
	if err != nil {
		return body.ID, err
	}
	clean, err := contentEditSchema.Apply(fields)
	if err != nil {
		return body.ID, err
	}

	var sender, recipient model.Envelope
	if err := decodeInto(clean["senderContent"], &sender); err != nil {
		return body.ID, err
	}
	if err := decodeInto(clean["recipientContent"], &recipient); err != nil {
		return body.ID, err
	}

	updated, err := d.st.Messages.UpdateMessageContents(ctx, body.ID, sender, recipient)
	if err != nil {
		return body.ID, err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindUpdate, updated))
	return updated.ID, nil
}

func (d *Dispatcher) onRemove(ctx context.Context, origin *hub.Client, conv model.Conversation, raw json.RawMessage) (string, error) {
	var body wire.RemoveBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if _, err := d.findConvMessage(ctx, conv, body.ID); err != nil {
		return body.ID, err
	}

	deleted, err := d.st.Messages.DeleteMessage(ctx, body.ID, origin.UserHex)
	if err != nil {
		return body.ID, err
	}

	d.publishAndEnqueue(ctx, conv, wire.NewFrame(wire.KindRemove, wire.RemoveEvent{
		ID:           deleted.ID,
		Conversation: deleted.Conversation,
	}))
	return deleted.ID, nil
}

func (d *Dispatcher) onForward(_ context.Context, _ *hub.Client, _ model.Conversation, _ json.RawMessage) (string, error) {
	return "", errors.New("Forwarding is not implemented")
}

// ---- helpers ----

// buildMessage validates the raw payload against the schema and produces a
// server-identified message bound to the conversation.
func (d *Dispatcher) buildMessage(schema validate.Schema, raw json.RawMessage, origin *hub.Client, conv model.Conversation) (model.Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.Message{}, fmt.Errorf("invalid payload: %w", err)
	}

	clean, err := schema.Apply(fields)
	if err != nil {
		return model.Message{}, err
	}

	var msg model.Message
	if err := decodeInto(clean, &msg); err != nil {
		return model.Message{}, err
	}

	if msg.Conversation != conv.Hex {
		return model.Message{}, errors.New("Conversation mismatch")
	}
	if !conv.IsParticipant(msg.User) {
		return model.Message{}, errors.New("User is not a participant")
	}
	if msg.User != origin.UserHex {
		return model.Message{}, errors.New("User does not match the authenticated principal")
	}
	for _, r := range []*model.Reaction{msg.Reactions.From, msg.Reactions.To} {
		if r != nil && !model.ValidReaction(*r) {
			return model.Message{}, errors.New("Unknown reaction")
		}
	}

	msg.ID = hexid.Generate(messageIDBytes)
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	return msg, nil
}

// findConvMessage loads an id-addressed message and confirms it belongs to
// the socket's conversation. Without this check a participant of one
// conversation could mutate messages in another just by knowing their ids.
func (d *Dispatcher) findConvMessage(ctx context.Context, conv model.Conversation, id string) (model.Message, error) {
	if id == "" {
		return model.Message{}, errors.New("missing message id")
	}
	msg, err := d.st.Messages.FindMessageByID(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if msg.Conversation != conv.Hex {
		return model.Message{}, errors.New("Message is not in this conversation")
	}
	return msg, nil
}

// insertWithRetry retries exactly once with a fresh id on an id collision.
func (d *Dispatcher) insertWithRetry(ctx context.Context, msg *model.Message) error {
	err := d.st.Messages.InsertMessage(ctx, *msg)
	if err == nil {
		return nil
	}
	if !store.IsConflict(err) {
		return err
	}
	msg.ID = hexid.Generate(messageIDBytes)
	return d.st.Messages.InsertMessage(ctx, *msg)
}

// publishAndEnqueue fans out to same-instance subscribers and produces the
// cross-instance delivery job. Enqueue failures are logged, not surfaced:
// local subscribers already received the event and the message is persisted.
func (d *Dispatcher) publishAndEnqueue(ctx context.Context, conv model.Conversation, frame wire.Frame) {
	d.hub.Publish(hub.ChatTopic(conv.Hex), frame)

	if d.producer == nil {
		return
	}
	job := queue.Job{
		ID:           ulid.Make().String(),
		To:           conv.ParticipantHexes(),
		Kind:         queue.JobKind,
		Conversation: conv.Hex,
		Data:         frame,
	}
	if err := d.producer.Enqueue(ctx, job); err != nil {
		d.countJob("enqueue_failed")
		d.log.Error("dispatch.enqueue.fail", "conversation", conv.Hex, "err", err)
		return
	}
	d.countJob("enqueued")
}

func (d *Dispatcher) countFrame(kind string) {
	if d.metrics != nil {
		d.metrics.FramesIn.WithLabelValues(kind).Inc()
	}
}

func (d *Dispatcher) countError(kind string) {
	if d.metrics != nil {
		d.metrics.DispatchErrors.WithLabelValues(kind).Inc()
	}
}

func (d *Dispatcher) countJob(result string) {
	if d.metrics != nil {
		d.metrics.DeliveryJobs.WithLabelValues(result).Inc()
	}
}

// clientMessage keeps backend details out of error frames.
func clientMessage(err error) string {
	if store.IsBackend(err) {
		return "Internal error"
	}
	var oe store.OpError
	if errors.As(err, &oe) {
		return oe.Message()
	}
	return err.Error()
}

// decodeInto round-trips v through JSON into dst.
func decodeInto(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// decodeObject converts raw JSON fields into the map form the validator takes.
func decodeObject(fields map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		if len(raw) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
