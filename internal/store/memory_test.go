package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"veil/internal/model"
)

func testConversation(hex, a, b string) model.Conversation {
	return model.Conversation{
		Hex:   hex,
		Scope: model.ScopeUser,
		Trust: model.TrustRequest,
		From:  a,
		Participants: []model.Participant{
			{Hex: a},
			{Hex: b},
		},
		PairKey: model.PairKey(a, b),
	}
}

func testMessage(id, conv, user string, at time.Time) model.Message {
	return model.Message{
		ID:           id,
		Conversation: conv,
		Kind:         model.KindMessage,
		Type:         model.TypeAll,
		User:         user,
		Status:       model.StatusSent,
		CreatedAt:    at,
	}
}

func TestMemory_CreateUser_Conflict(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateUser(ctx, model.User{Hex: "U1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	err := m.CreateUser(ctx, model.User{Hex: "U1"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemory_CreateConversation_DuplicatePair(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// Same pair in reversed order must still conflict.
	err := m.CreateConversation(ctx, testConversation("C2", "UB", "UA"))
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := m.ConversationBetween(ctx, "UB", "UA")
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if got.Hex != "C1" {
		t.Fatalf("between hex = %q, want C1", got.Hex)
	}
}

func TestMemory_CreateConversation_RequiresTwoParticipants(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	c := testConversation("C1", "UA", "UB")
	c.Participants = c.Participants[:1]

	err := m.CreateConversation(context.Background(), c)
	if !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
}

func TestMemory_PinCap(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{MaxPins: 5})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		hex := fmt.Sprintf("C%d", i)
		other := fmt.Sprintf("U%d", i)
		if err := m.CreateConversation(ctx, testConversation(hex, "UA", other)); err != nil {
			t.Fatalf("create %s: %v", hex, err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := m.PinConversation(ctx, fmt.Sprintf("C%d", i), "UA"); err != nil {
			t.Fatalf("pin C%d: %v", i, err)
		}
	}

	err := m.PinConversation(ctx, "C5", "UA")
	if !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
	want := "Cannot pin more than 5 conversations"
	var oe OpError
	if !errors.As(err, &oe) || oe.Message() != want {
		t.Fatalf("message = %q, want %q", oe.Message(), want)
	}

	// The cap is per user; another participant can still pin.
	if err := m.PinConversation(ctx, "C5", "U5"); err != nil {
		t.Fatalf("pin as other user: %v", err)
	}
}

func TestMemory_PinTwice_Conflict(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.PinConversation(ctx, "C1", "UA"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := m.PinConversation(ctx, "C1", "UA"); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemory_UnpinNotPinned_Invariant(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.UnpinConversation(ctx, "C1", "UA"); !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
}

func TestMemory_AcceptConversation(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.AcceptConversation(ctx, "C1", "UB"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	c, err := m.FindConversationByHex(ctx, "C1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c.Trust != model.TrustTrusted {
		t.Fatalf("trust = %q, want trusted", c.Trust)
	}

	// A second accept is an invariant failure, not a silent no-op.
	if err := m.AcceptConversation(ctx, "C1", "UB"); !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
	if err := m.AcceptConversation(ctx, "C1", "UX"); !IsInvariant(err) {
		t.Fatalf("expected invariant for non-participant, got %v", err)
	}
}

func TestMemory_InsertMessage_AdvancesConversation(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := testMessage(fmt.Sprintf("M%d", i), "C1", "UA", base.Add(time.Duration(i)*time.Second))
		if err := m.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert M%d: %v", i, err)
		}
	}

	c, err := m.FindConversationByHex(ctx, "C1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c.Total != 3 || c.Unread != 3 {
		t.Fatalf("total/unread = %d/%d, want 3/3", c.Total, c.Unread)
	}
	if c.LastID != "M2" {
		t.Fatalf("last = %q, want M2", c.LastID)
	}
}

func TestMemory_InsertMessage_DuplicateID(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := testMessage("M1", "C1", "UA", time.Now().UTC())
	if err := m.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.InsertMessage(ctx, msg); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemory_StatusMonotonic(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.InsertMessage(ctx, testMessage("M1", "C1", "UA", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.UpdateMessageStatus(ctx, "M1", model.StatusDelivered); err != nil {
		t.Fatalf("to delivered: %v", err)
	}
	if _, err := m.UpdateMessageStatus(ctx, "M1", model.StatusRead); err != nil {
		t.Fatalf("to read: %v", err)
	}

	// Downgrade is refused; the document is unchanged.
	_, err := m.UpdateMessageStatus(ctx, "M1", model.StatusDelivered)
	if !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
	msg, err := m.FindMessageByID(ctx, "M1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if msg.Status != model.StatusRead {
		t.Fatalf("status = %q, want read", msg.Status)
	}

	// Same-status retransmits succeed without mutation.
	if _, err := m.UpdateMessageStatus(ctx, "M1", model.StatusRead); err != nil {
		t.Fatalf("duplicate read: %v", err)
	}
}

func TestMemory_StatusRead_ResetsUnread(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.InsertMessage(ctx, testMessage("M1", "C1", "UA", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.UpdateMessageStatus(ctx, "M1", model.StatusRead); err != nil {
		t.Fatalf("to read: %v", err)
	}
	c, err := m.FindConversationByHex(ctx, "C1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c.Unread != 0 {
		t.Fatalf("unread = %d, want 0", c.Unread)
	}
}

func TestMemory_DeleteMessage_Authorship(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.InsertMessage(ctx, testMessage("M1", "C1", "UA", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := m.DeleteMessage(ctx, "M1", "UB")
	if !IsInvariant(err) {
		t.Fatalf("expected invariant, got %v", err)
	}
	var oe OpError
	if !errors.As(err, &oe) || oe.Message() != "Unauthorized to delete message" {
		t.Fatalf("message = %q, want Unauthorized to delete message", oe.Message())
	}

	// The message persists.
	if _, err := m.FindMessageByID(ctx, "M1"); err != nil {
		t.Fatalf("message should persist: %v", err)
	}
}

func TestMemory_DeleteMessage_RecomputesLast(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := testMessage(fmt.Sprintf("M%d", i), "C1", "UA", base.Add(time.Duration(i)*time.Second))
		if err := m.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert M%d: %v", i, err)
		}
	}

	if _, err := m.DeleteMessage(ctx, "M2", "UA"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := m.FindMessageByID(ctx, "M2"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	c, err := m.FindConversationByHex(ctx, "C1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c.LastID != "M1" {
		t.Fatalf("last = %q, want M1", c.LastID)
	}
	if c.Total != 2 {
		t.Fatalf("total = %d, want 2", c.Total)
	}

	// Deleting everything leaves last empty.
	if _, err := m.DeleteMessage(ctx, "M1", "UA"); err != nil {
		t.Fatalf("delete M1: %v", err)
	}
	if _, err := m.DeleteMessage(ctx, "M0", "UA"); err != nil {
		t.Fatalf("delete M0: %v", err)
	}
	c, _ = m.FindConversationByHex(ctx, "C1")
	if c.LastID != "" {
		t.Fatalf("last = %q, want empty", c.LastID)
	}
}

func TestMemory_PageMessages_NewestFirst(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{MessagePage: 2})
	ctx := context.Background()

	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		msg := testMessage(fmt.Sprintf("M%d", i), "C1", "UA", base.Add(time.Duration(i)*time.Second))
		if err := m.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert M%d: %v", i, err)
		}
	}

	page1, err := m.PageMessages(ctx, "C1", 1)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != "M4" || page1[1].ID != "M3" {
		t.Fatalf("page 1 = %+v, want [M4 M3]", ids(page1))
	}

	page3, err := m.PageMessages(ctx, "C1", 3)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].ID != "M0" {
		t.Fatalf("page 3 = %+v, want [M0]", ids(page3))
	}

	empty, err := m.PageMessages(ctx, "C1", 4)
	if err != nil {
		t.Fatalf("page 4: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("page 4 = %+v, want empty", ids(empty))
	}
}

func TestMemory_ConversationCounts(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	// UA initiated C1 (request), UD initiated C2 (request) toward UA,
	// C3 is trusted with unread traffic.
	if err := m.CreateConversation(ctx, testConversation("C1", "UA", "UB")); err != nil {
		t.Fatalf("create C1: %v", err)
	}
	if err := m.CreateConversation(ctx, testConversation("C2", "UD", "UA")); err != nil {
		t.Fatalf("create C2: %v", err)
	}
	if err := m.CreateConversation(ctx, testConversation("C3", "UA", "UC")); err != nil {
		t.Fatalf("create C3: %v", err)
	}
	if err := m.AcceptConversation(ctx, "C3", "UC"); err != nil {
		t.Fatalf("accept C3: %v", err)
	}
	if err := m.InsertMessage(ctx, testMessage("M1", "C3", "UC", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	counts, err := m.ConversationCounts(ctx, "UA")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	// Requested counts only requests initiated by someone else.
	want := Counts{Total: 3, Unread: 1, Requested: 1}
	if counts != want {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}
}

func TestMemory_ListConversations_Filters(t *testing.T) {
	t.Parallel()

	m := NewMemory(Limits{})
	ctx := context.Background()

	// C1 is a request sent to UA; C2 is one UA sent and UC accepted.
	if err := m.CreateConversation(ctx, testConversation("C1", "UB", "UA")); err != nil {
		t.Fatalf("create C1: %v", err)
	}
	if err := m.CreateConversation(ctx, testConversation("C2", "UA", "UC")); err != nil {
		t.Fatalf("create C2: %v", err)
	}
	if err := m.AcceptConversation(ctx, "C2", "UC"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := m.InsertMessage(ctx, testMessage("M1", "C2", "UC", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.PinConversation(ctx, "C1", "UA"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	cases := []struct {
		filter ListFilter
		want   []string
	}{
		{FilterAll, []string{"C1", "C2"}},
		{FilterRequests, []string{"C1"}},
		{FilterTrusted, []string{"C2"}},
		{FilterUnread, []string{"C2"}},
		{FilterPins, []string{"C1"}},
	}
	for _, tc := range cases {
		got, err := m.ListConversations(ctx, "UA", tc.filter, 1)
		if err != nil {
			t.Fatalf("list %s: %v", tc.filter, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("list %s: %d results, want %d", tc.filter, len(got), len(tc.want))
		}
		for _, c := range got {
			if !contains(tc.want, c.Hex) {
				t.Fatalf("list %s: unexpected %s", tc.filter, c.Hex)
			}
		}
	}

	// The listing joins the last message.
	trusted, err := m.ListConversations(ctx, "UA", FilterTrusted, 1)
	if err != nil {
		t.Fatalf("list trusted: %v", err)
	}
	if trusted[0].Last == nil || trusted[0].Last.ID != "M1" {
		t.Fatalf("last join missing, got %+v", trusted[0].Last)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
