package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"veil/internal/model"
)

const defaultDatabase = "veil"

// Mongo is the production repository over the users, conversations, and
// messages collections.
//
// Ownership model: Mongo owns the client; Close disconnects it.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	limits Limits

	users    *mongo.Collection
	convs    *mongo.Collection
	messages *mongo.Collection
}

// MongoOption configures the Mongo store.
type MongoOption func(*Mongo) error

// WithDatabase overrides the database name (default "veil").
func WithDatabase(name string) MongoOption {
	return func(m *Mongo) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.New("store: empty database name")
		}
		m.db = m.client.Database(name)
		return nil
	}
}

// NewMongo connects, verifies connectivity, and ensures indexes.
func NewMongo(ctx context.Context, uri string, limits Limits, opts ...MongoOption) (*Mongo, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("store: empty mongo uri")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	m := &Mongo{
		client: client,
		db:     client.Database(defaultDatabase),
		limits: limits.Normalize(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
	}

	m.users = m.db.Collection("users")
	m.convs = m.db.Collection("conversations")
	m.messages = m.db.Collection("messages")

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

// Bundle returns the Store seam over this implementation.
func (m *Mongo) Bundle() Store {
	return Store{Users: m, Conversations: m, Messages: m}
}

// Ping verifies connectivity; used by the readiness endpoint.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	uniqueSparse := options.Index().SetUnique(true).SetSparse(true)

	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "hex", Value: 1}}, Options: unique,
	})
	if err != nil {
		return backend("store.index.users", err)
	}

	_, err = m.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hex", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "participants.hex", Value: 1}}},
		{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: uniqueSparse},
	})
	if err != nil {
		return backend("store.index.conversations", err)
	}

	_, err = m.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "parent", Value: 1}}},
	})
	if err != nil {
		return backend("store.index.messages", err)
	}
	return nil
}

// ---- users ----

func (m *Mongo) CreateUser(ctx context.Context, u model.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = model.UserActive
	}

	if _, err := m.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return conflict("user.create", "User already exists")
		}
		return backend("user.create", err)
	}
	return nil
}

func (m *Mongo) FindUserByHex(ctx context.Context, hex string) (model.User, error) {
	var u model.User
	err := m.users.FindOne(ctx, bson.M{"hex": hex}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.User{}, notFound("user.find", "User not found")
	}
	if err != nil {
		return model.User{}, backend("user.find", err)
	}
	return u, nil
}

func (m *Mongo) UpdateUserKeys(ctx context.Context, hex, publicKey, encryptedPrivateKey, nonce, salt string) error {
	res, err := m.users.UpdateOne(ctx, bson.M{"hex": hex}, bson.M{"$set": bson.M{
		"publicKey":           publicKey,
		"encryptedPrivateKey": encryptedPrivateKey,
		"privateKeyNonce":     nonce,
		"passcodeSalt":        salt,
		"updatedAt":           time.Now().UTC(),
	}})
	if err != nil {
		return backend("user.update_keys", err)
	}
	if res.MatchedCount == 0 {
		return notFound("user.update_keys", "User not found")
	}
	return nil
}

func (m *Mongo) UpdateUserField(ctx context.Context, hex, field string, value any) error {
	if _, ok := UserFields[field]; !ok {
		return invariant("user.update_field", fmt.Sprintf("Field %q is not updatable", field))
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"hex": hex}, bson.M{"$set": bson.M{
		field:       value,
		"updatedAt": time.Now().UTC(),
	}})
	if err != nil {
		return backend("user.update_field", err)
	}
	if res.MatchedCount == 0 {
		return notFound("user.update_field", "User not found")
	}
	return nil
}

func (m *Mongo) DeleteUser(ctx context.Context, hex string) error {
	res, err := m.users.DeleteOne(ctx, bson.M{"hex": hex})
	if err != nil {
		return backend("user.delete", err)
	}
	if res.DeletedCount == 0 {
		return notFound("user.delete", "User not found")
	}
	return nil
}

// ---- conversations ----

func (m *Mongo) CreateConversation(ctx context.Context, c model.Conversation) error {
	if c.Scope == "" {
		c.Scope = model.ScopeUser
	}
	if c.Scope == model.ScopeUser && len(c.Participants) != 2 {
		return invariant("conversation.create", "Conversation requires exactly two participants")
	}
	if c.Trust == "" {
		c.Trust = model.TrustRequest
	}
	if c.Scope == model.ScopeUser {
		c.PairKey = model.PairKey(c.Participants[0].Hex, c.Participants[1].Hex)
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

	if _, err := m.convs.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return conflict("conversation.create", "Conversation between participants already exists")
		}
		return backend("conversation.create", err)
	}
	return nil
}

func (m *Mongo) FindConversationByHex(ctx context.Context, hex string) (model.Conversation, error) {
	var c model.Conversation
	err := m.convs.FindOne(ctx, bson.M{"hex": hex}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Conversation{}, notFound("conversation.find", "Conversation not found")
	}
	if err != nil {
		return model.Conversation{}, backend("conversation.find", err)
	}
	return c, nil
}

func (m *Mongo) ConversationExists(ctx context.Context, participantHexes []string) (bool, error) {
	if len(participantHexes) != 2 {
		return false, nil
	}
	n, err := m.convs.CountDocuments(ctx, bson.M{
		"pairKey": model.PairKey(participantHexes[0], participantHexes[1]),
	})
	if err != nil {
		return false, backend("conversation.exists", err)
	}
	return n > 0, nil
}

func (m *Mongo) ConversationBetween(ctx context.Context, a, b string) (model.Conversation, error) {
	var c model.Conversation
	err := m.convs.FindOne(ctx, bson.M{"pairKey": model.PairKey(a, b)}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Conversation{}, notFound("conversation.between", "Conversation not found")
	}
	if err != nil {
		return model.Conversation{}, backend("conversation.between", err)
	}
	m.joinLast(ctx, &c)
	return c, nil
}

func (m *Mongo) ListConversations(ctx context.Context, userHex string, filter ListFilter, page int) ([]model.Conversation, error) {
	if page < 1 {
		page = 1
	}

	query := bson.M{"participants.hex": userHex}
	switch filter {
	case FilterRequests:
		// Requests awaiting this user's action, not ones they sent.
		query["trust"] = model.TrustRequest
		query["from"] = bson.M{"$ne": userHex}
	case FilterTrusted:
		query["trust"] = model.TrustTrusted
	case FilterUnread:
		query["trust"] = model.TrustTrusted
		query["unread"] = bson.M{"$gt": 0}
	case FilterPins:
		query["pins.user"] = userHex
	}

	per := int64(m.limits.ConversationPage)
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetSkip(int64(page-1) * per).
		SetLimit(per)

	cur, err := m.convs.Find(ctx, query, opts)
	if err != nil {
		return nil, backend("conversation.list", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, backend("conversation.list", err)
	}
	for i := range out {
		m.joinLast(ctx, &out[i])
	}
	return out, nil
}

// joinLast attaches the referenced last message; a stale reference is skipped.
func (m *Mongo) joinLast(ctx context.Context, c *model.Conversation) {
	if c.LastID == "" {
		return
	}
	var msg model.Message
	if err := m.messages.FindOne(ctx, bson.M{"_id": c.LastID}).Decode(&msg); err == nil {
		c.Last = &msg
	}
}

func (m *Mongo) PinConversation(ctx context.Context, convHex, userHex string) error {
	pinned, err := m.convs.CountDocuments(ctx, bson.M{"hex": convHex, "pins.user": userHex})
	if err != nil {
		return backend("conversation.pin", err)
	}
	if pinned > 0 {
		return conflict("conversation.pin", "Conversation already pinned")
	}

	total, err := m.convs.CountDocuments(ctx, bson.M{"pins.user": userHex})
	if err != nil {
		return backend("conversation.pin", err)
	}
	if total >= int64(m.limits.MaxPins) {
		return invariant("conversation.pin", fmt.Sprintf("Cannot pin more than %d conversations", m.limits.MaxPins))
	}

	now := time.Now().UTC()
	res, err := m.convs.UpdateOne(ctx, bson.M{"hex": convHex}, bson.M{
		"$push": bson.M{"pins": model.Pin{User: userHex, PinnedAt: now}},
		"$set":  bson.M{"updatedAt": now},
	})
	if err != nil {
		return backend("conversation.pin", err)
	}
	if res.MatchedCount == 0 {
		return notFound("conversation.pin", "Conversation not found")
	}
	return nil
}

func (m *Mongo) UnpinConversation(ctx context.Context, convHex, userHex string) error {
	res, err := m.convs.UpdateOne(ctx, bson.M{"hex": convHex}, bson.M{
		"$pull": bson.M{"pins": bson.M{"user": userHex}},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return backend("conversation.unpin", err)
	}
	if res.MatchedCount == 0 {
		return notFound("conversation.unpin", "Conversation not found")
	}
	if res.ModifiedCount == 0 {
		return invariant("conversation.unpin", "Conversation not pinned")
	}
	return nil
}

func (m *Mongo) AcceptConversation(ctx context.Context, convHex, userHex string) error {
	res, err := m.convs.UpdateOne(ctx, bson.M{
		"hex":              convHex,
		"trust":            model.TrustRequest,
		"participants.hex": userHex,
	}, bson.M{"$set": bson.M{
		"trust":     model.TrustTrusted,
		"updatedAt": time.Now().UTC(),
	}})
	if err != nil {
		return backend("conversation.accept", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Diagnose the precise failure for the caller.
	c, findErr := m.FindConversationByHex(ctx, convHex)
	if findErr != nil {
		return notFound("conversation.accept", "Conversation not found")
	}
	if !c.IsParticipant(userHex) {
		return invariant("conversation.accept", "Not a participant")
	}
	return invariant("conversation.accept", "Conversation already trusted")
}

func (m *Mongo) ConversationCounts(ctx context.Context, userHex string) (Counts, error) {
	member := bson.M{"participants.hex": userHex}

	total, err := m.convs.CountDocuments(ctx, member)
	if err != nil {
		return Counts{}, backend("conversation.counts", err)
	}
	unread, err := m.convs.CountDocuments(ctx, bson.M{
		"participants.hex": userHex,
		"trust":            model.TrustTrusted,
		"unread":           bson.M{"$gt": 0},
	})
	if err != nil {
		return Counts{}, backend("conversation.counts", err)
	}
	requested, err := m.convs.CountDocuments(ctx, bson.M{
		"participants.hex": userHex,
		"trust":            model.TrustRequest,
		"from":             bson.M{"$ne": userHex},
	})
	if err != nil {
		return Counts{}, backend("conversation.counts", err)
	}

	return Counts{Total: int(total), Unread: int(unread), Requested: int(requested)}, nil
}

// ---- messages ----

func (m *Mongo) InsertMessage(ctx context.Context, msg model.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt

	n, err := m.convs.CountDocuments(ctx, bson.M{"hex": msg.Conversation})
	if err != nil {
		return backend("message.insert", err)
	}
	if n == 0 {
		return notFound("message.insert", "Conversation not found")
	}

	if _, err := m.messages.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return conflict("message.insert", "Message id already exists")
		}
		return backend("message.insert", err)
	}

	if _, err := m.convs.UpdateOne(ctx, bson.M{"hex": msg.Conversation}, bson.M{
		"$set": bson.M{"last": msg.ID, "updatedAt": msg.CreatedAt},
		"$inc": bson.M{"total": 1, "unread": 1},
	}); err != nil {
		return backend("message.insert", err)
	}
	return nil
}

func (m *Mongo) FindMessageByID(ctx context.Context, id string) (model.Message, error) {
	var msg model.Message
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Message{}, notFound("message.find", "Message not found")
	}
	if err != nil {
		return model.Message{}, backend("message.find", err)
	}
	return msg, nil
}

func (m *Mongo) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) (model.Message, error) {
	if model.StatusRank(status) < 0 {
		return model.Message{}, invariant("message.status", "Unknown status")
	}

	msg, err := m.FindMessageByID(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	cur, next := model.StatusRank(msg.Status), model.StatusRank(status)
	if next < cur {
		return model.Message{}, invariant("message.status", "Status cannot move backwards")
	}
	if next == cur {
		return msg, nil
	}

	// Monotonic-max under races: the filter pins the status we read.
	res, err := m.messages.UpdateOne(ctx, bson.M{"_id": id, "status": msg.Status}, bson.M{
		"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return model.Message{}, backend("message.status", err)
	}
	if res.ModifiedCount == 0 {
		// A concurrent writer advanced it; re-read and re-check.
		return m.UpdateMessageStatus(ctx, id, status)
	}

	msg.Status = status
	if status == model.StatusRead {
		_, _ = m.convs.UpdateOne(ctx, bson.M{"hex": msg.Conversation}, bson.M{
			"$set": bson.M{"unread": 0},
		})
	}
	return msg, nil
}

func (m *Mongo) UpdateMessageReactions(ctx context.Context, id string, slot model.ReactionSlot, r *model.Reaction) (model.Message, error) {
	if r != nil && !model.ValidReaction(*r) {
		return model.Message{}, invariant("message.reaction", "Unknown reaction")
	}
	if slot != model.SlotFrom && slot != model.SlotTo {
		return model.Message{}, invariant("message.reaction", "Unknown reaction slot")
	}

	field := "reactions." + string(slot)
	update := bson.M{"$set": bson.M{field: r, "updatedAt": time.Now().UTC()}}
	if r == nil {
		update = bson.M{
			"$unset": bson.M{field: ""},
			"$set":   bson.M{"updatedAt": time.Now().UTC()},
		}
	}

	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var msg model.Message
	err := m.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, after).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Message{}, notFound("message.reaction", "Message not found")
	}
	if err != nil {
		return model.Message{}, backend("message.reaction", err)
	}
	return msg, nil
}

func (m *Mongo) UpdateMessageContents(ctx context.Context, id string, sender, recipient model.Envelope) (model.Message, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var msg model.Message
	err := m.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"senderContent":    sender,
			"recipientContent": recipient,
			"updatedAt":        time.Now().UTC(),
		},
	}, after).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Message{}, notFound("message.update", "Message not found")
	}
	if err != nil {
		return model.Message{}, backend("message.update", err)
	}
	return msg, nil
}

func (m *Mongo) DeleteMessage(ctx context.Context, id, actor string) (model.Message, error) {
	msg, err := m.FindMessageByID(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if msg.User != actor {
		return model.Message{}, invariant("message.delete", "Unauthorized to delete message")
	}

	res, err := m.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return model.Message{}, backend("message.delete", err)
	}
	if res.DeletedCount == 0 {
		return model.Message{}, notFound("message.delete", "Message not found")
	}

	update := bson.M{
		"$inc": bson.M{"total": -1},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	if _, err := m.convs.UpdateOne(ctx, bson.M{"hex": msg.Conversation}, update); err != nil {
		return model.Message{}, backend("message.delete", err)
	}

	// Recompute last when the removed message was the reference.
	c, err := m.FindConversationByHex(ctx, msg.Conversation)
	if err == nil && c.LastID == id {
		newLast := ""
		var latest model.Message
		findErr := m.messages.FindOne(ctx, bson.M{"conversation": msg.Conversation},
			options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})).Decode(&latest)
		if findErr == nil {
			newLast = latest.ID
		}
		set := bson.M{"$set": bson.M{"last": newLast}}
		if newLast == "" {
			set = bson.M{"$unset": bson.M{"last": ""}}
		}
		if _, err := m.convs.UpdateOne(ctx, bson.M{"hex": msg.Conversation}, set); err != nil {
			return model.Message{}, backend("message.delete", err)
		}
	}
	return msg, nil
}

func (m *Mongo) PageMessages(ctx context.Context, conversationHex string, page int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}
	per := int64(m.limits.MessagePage)
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(page-1) * per).
		SetLimit(per)

	cur, err := m.messages.Find(ctx, bson.M{"conversation": conversationHex}, opts)
	if err != nil {
		return nil, backend("message.page", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, backend("message.page", err)
	}
	return out, nil
}
