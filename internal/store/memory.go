package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"veil/internal/model"
)

// Memory is the in-process repository used for dev mode and tests.
// It mirrors the Mongo implementation's semantics exactly.
type Memory struct {
	limits Limits

	mu       sync.Mutex
	users    map[string]model.User
	convs    map[string]model.Conversation
	pairs    map[string]string // unordered pair key -> conversation hex
	messages map[string]model.Message
}

// NewMemory constructs an empty in-memory Store.
func NewMemory(limits Limits) *Memory {
	return &Memory{
		limits:   limits.Normalize(),
		users:    make(map[string]model.User),
		convs:    make(map[string]model.Conversation),
		pairs:    make(map[string]string),
		messages: make(map[string]model.Message),
	}
}

// Bundle returns the Store seam over this implementation.
func (m *Memory) Bundle() Store {
	return Store{Users: m, Conversations: m, Messages: m}
}

// ---- users ----

func (m *Memory) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return backend("user.create", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Hex]; ok {
		return conflict("user.create", "User already exists")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = model.UserActive
	}
	m.users[u.Hex] = u
	return nil
}

func (m *Memory) FindUserByHex(ctx context.Context, hex string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, backend("user.find", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[hex]
	if !ok {
		return model.User{}, notFound("user.find", "User not found")
	}
	return u, nil
}

func (m *Memory) UpdateUserKeys(ctx context.Context, hex, publicKey, encryptedPrivateKey, nonce, salt string) error {
	if err := ctx.Err(); err != nil {
		return backend("user.update_keys", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[hex]
	if !ok {
		return notFound("user.update_keys", "User not found")
	}
	u.PublicKey = publicKey
	u.EncryptedPrivateKey = encryptedPrivateKey
	u.PrivateKeyNonce = nonce
	u.PasscodeSalt = salt
	u.UpdatedAt = time.Now().UTC()
	m.users[hex] = u
	return nil
}

func (m *Memory) UpdateUserField(ctx context.Context, hex, field string, value any) error {
	if err := ctx.Err(); err != nil {
		return backend("user.update_field", err)
	}
	if _, ok := UserFields[field]; !ok {
		return invariant("user.update_field", fmt.Sprintf("Field %q is not updatable", field))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[hex]
	if !ok {
		return notFound("user.update_field", "User not found")
	}
	switch field {
	case "name":
		s, ok := value.(string)
		if !ok {
			return invariant("user.update_field", "name must be a string")
		}
		u.Name = s
	case "avatar":
		s, ok := value.(string)
		if !ok {
			return invariant("user.update_field", "avatar must be a string")
		}
		u.Avatar = s
	case "status":
		s, ok := value.(string)
		if !ok {
			return invariant("user.update_field", "status must be a string")
		}
		u.Status = model.UserStatus(s)
	case "verified":
		b, ok := value.(bool)
		if !ok {
			return invariant("user.update_field", "verified must be a boolean")
		}
		u.Verified = b
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[hex] = u
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, hex string) error {
	if err := ctx.Err(); err != nil {
		return backend("user.delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[hex]; !ok {
		return notFound("user.delete", "User not found")
	}
	delete(m.users, hex)
	return nil
}

// ---- conversations ----

func (m *Memory) CreateConversation(ctx context.Context, c model.Conversation) error {
	if err := ctx.Err(); err != nil {
		return backend("conversation.create", err)
	}
	if c.Scope == "" {
		c.Scope = model.ScopeUser
	}
	if c.Scope == model.ScopeUser && len(c.Participants) != 2 {
		return invariant("conversation.create", "Conversation requires exactly two participants")
	}
	if c.Trust == "" {
		c.Trust = model.TrustRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.convs[c.Hex]; ok {
		return conflict("conversation.create", "Conversation already exists")
	}
	var pair string
	if c.Scope == model.ScopeUser {
		pair = model.PairKey(c.Participants[0].Hex, c.Participants[1].Hex)
		if _, ok := m.pairs[pair]; ok {
			return conflict("conversation.create", "Conversation between participants already exists")
		}
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	for i := range c.Participants {
		if c.Participants[i].JoinedAt.IsZero() {
			c.Participants[i].JoinedAt = now
		}
		if c.Participants[i].Status == "" {
			c.Participants[i].Status = model.ParticipantActive
		}
		if c.Participants[i].Role == "" {
			c.Participants[i].Role = model.RoleMember
		}
	}

	m.convs[c.Hex] = c
	if pair != "" {
		m.pairs[pair] = c.Hex
	}
	return nil
}

func (m *Memory) FindConversationByHex(ctx context.Context, hex string) (model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, backend("conversation.find", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findConvLocked(hex)
}

func (m *Memory) findConvLocked(hex string) (model.Conversation, error) {
	c, ok := m.convs[hex]
	if !ok {
		return model.Conversation{}, notFound("conversation.find", "Conversation not found")
	}
	return c, nil
}

func (m *Memory) ConversationExists(ctx context.Context, participantHexes []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backend("conversation.exists", err)
	}
	if len(participantHexes) != 2 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pairs[model.PairKey(participantHexes[0], participantHexes[1])]
	return ok, nil
}

func (m *Memory) ConversationBetween(ctx context.Context, a, b string) (model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, backend("conversation.between", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hex, ok := m.pairs[model.PairKey(a, b)]
	if !ok {
		return model.Conversation{}, notFound("conversation.between", "Conversation not found")
	}
	c := m.convs[hex]
	c.Last = m.lastMessageLocked(hex)
	return c, nil
}

func (m *Memory) ListConversations(ctx context.Context, userHex string, filter ListFilter, page int) ([]model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend("conversation.list", err)
	}
	if page < 1 {
		page = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Conversation
	for _, c := range m.convs {
		if !c.IsParticipant(userHex) {
			continue
		}
		switch filter {
		case FilterRequests:
			// Requests awaiting this user's action, not ones they sent.
			if c.Trust != model.TrustRequest || c.From == userHex {
				continue
			}
		case FilterTrusted:
			if c.Trust != model.TrustTrusted {
				continue
			}
		case FilterUnread:
			if c.Trust != model.TrustTrusted || c.Unread == 0 {
				continue
			}
		case FilterPins:
			if !c.PinnedBy(userHex) {
				continue
			}
		}
		c.Last = m.lastMessageLocked(c.Hex)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	per := m.limits.ConversationPage
	start := (page - 1) * per
	if start >= len(out) {
		return nil, nil
	}
	end := start + per
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (m *Memory) PinConversation(ctx context.Context, convHex, userHex string) error {
	if err := ctx.Err(); err != nil {
		return backend("conversation.pin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.findConvLocked(convHex)
	if err != nil {
		return err
	}
	if c.PinnedBy(userHex) {
		return conflict("conversation.pin", "Conversation already pinned")
	}

	count := 0
	for _, other := range m.convs {
		if other.PinnedBy(userHex) {
			count++
		}
	}
	if count >= m.limits.MaxPins {
		return invariant("conversation.pin", fmt.Sprintf("Cannot pin more than %d conversations", m.limits.MaxPins))
	}

	c.Pins = append(c.Pins, model.Pin{User: userHex, PinnedAt: time.Now().UTC()})
	c.UpdatedAt = time.Now().UTC()
	m.convs[convHex] = c
	return nil
}

func (m *Memory) UnpinConversation(ctx context.Context, convHex, userHex string) error {
	if err := ctx.Err(); err != nil {
		return backend("conversation.unpin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.findConvLocked(convHex)
	if err != nil {
		return err
	}
	kept := c.Pins[:0]
	found := false
	for _, p := range c.Pins {
		if p.User == userHex {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return invariant("conversation.unpin", "Conversation not pinned")
	}
	c.Pins = kept
	c.UpdatedAt = time.Now().UTC()
	m.convs[convHex] = c
	return nil
}

func (m *Memory) AcceptConversation(ctx context.Context, convHex, userHex string) error {
	if err := ctx.Err(); err != nil {
		return backend("conversation.accept", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.findConvLocked(convHex)
	if err != nil {
		return err
	}
	if !c.IsParticipant(userHex) {
		return invariant("conversation.accept", "Not a participant")
	}
	if c.Trust != model.TrustRequest {
		return invariant("conversation.accept", "Conversation already trusted")
	}
	c.Trust = model.TrustTrusted
	c.UpdatedAt = time.Now().UTC()
	m.convs[convHex] = c
	return nil
}

func (m *Memory) ConversationCounts(ctx context.Context, userHex string) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, backend("conversation.counts", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts Counts
	for _, c := range m.convs {
		if !c.IsParticipant(userHex) {
			continue
		}
		counts.Total++
		if c.Trust == model.TrustTrusted && c.Unread > 0 {
			counts.Unread++
		}
		if c.Trust == model.TrustRequest && c.From != userHex {
			counts.Requested++
		}
	}
	return counts, nil
}

// ---- messages ----

func (m *Memory) InsertMessage(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return backend("message.insert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[msg.Conversation]
	if !ok {
		return notFound("message.insert", "Conversation not found")
	}
	if _, dup := m.messages[msg.ID]; dup {
		return conflict("message.insert", "Message id already exists")
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt
	m.messages[msg.ID] = msg

	c.LastID = msg.ID
	c.Total++
	c.Unread++
	c.UpdatedAt = msg.CreatedAt
	m.convs[msg.Conversation] = c
	return nil
}

func (m *Memory) FindMessageByID(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, backend("message.find", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message.find", "Message not found")
	}
	return msg, nil
}

func (m *Memory) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, backend("message.status", err)
	}
	if model.StatusRank(status) < 0 {
		return model.Message{}, invariant("message.status", "Unknown status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message.status", "Message not found")
	}
	cur, next := model.StatusRank(msg.Status), model.StatusRank(status)
	if next < cur {
		return model.Message{}, invariant("message.status", "Status cannot move backwards")
	}
	if next == cur {
		// Duplicate delivery; at-least-once consumers retransmit.
		return msg, nil
	}

	msg.Status = status
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg

	if status == model.StatusRead {
		if c, ok := m.convs[msg.Conversation]; ok {
			c.Unread = 0
			m.convs[msg.Conversation] = c
		}
	}
	return msg, nil
}

func (m *Memory) UpdateMessageReactions(ctx context.Context, id string, slot model.ReactionSlot, r *model.Reaction) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, backend("message.reaction", err)
	}
	if r != nil && !model.ValidReaction(*r) {
		return model.Message{}, invariant("message.reaction", "Unknown reaction")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message.reaction", "Message not found")
	}
	switch slot {
	case model.SlotFrom:
		msg.Reactions.From = r
	case model.SlotTo:
		msg.Reactions.To = r
	default:
		return model.Message{}, invariant("message.reaction", "Unknown reaction slot")
	}
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg
	return msg, nil
}

func (m *Memory) UpdateMessageContents(ctx context.Context, id string, sender, recipient model.Envelope) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, backend("message.update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message.update", "Message not found")
	}
	msg.SenderContent = sender
	msg.RecipientContent = recipient
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg
	return msg, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id, actor string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, backend("message.delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message.delete", "Message not found")
	}
	if msg.User != actor {
		return model.Message{}, invariant("message.delete", "Unauthorized to delete message")
	}
	delete(m.messages, id)

	if c, ok := m.convs[msg.Conversation]; ok {
		if c.Total > 0 {
			c.Total--
		}
		if c.LastID == id {
			last := m.lastMessageLocked(msg.Conversation)
			if last != nil {
				c.LastID = last.ID
			} else {
				c.LastID = ""
			}
		}
		c.UpdatedAt = time.Now().UTC()
		m.convs[msg.Conversation] = c
	}
	return msg, nil
}

func (m *Memory) PageMessages(ctx context.Context, conversationHex string, page int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend("message.page", err)
	}
	if page < 1 {
		page = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Message
	for _, msg := range m.messages {
		if msg.Conversation == conversationHex {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	per := m.limits.MessagePage
	start := (page - 1) * per
	if start >= len(out) {
		return nil, nil
	}
	end := start + per
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

// lastMessageLocked returns the greatest-createdAt message of a conversation.
func (m *Memory) lastMessageLocked(conversationHex string) *model.Message {
	var last *model.Message
	for _, msg := range m.messages {
		if msg.Conversation != conversationHex {
			continue
		}
		if last == nil || msg.CreatedAt.After(last.CreatedAt) {
			cp := msg
			last = &cp
		}
	}
	return last
}
