package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"veil/internal/auth"
	"veil/internal/dispatch"
	"veil/internal/hub"
	"veil/internal/model"
	"veil/internal/registry"
	"veil/internal/store"
	"veil/internal/wire"
)

const testSecret = "session-test-secret"

type testServer struct {
	srv      *httptest.Server
	st       store.Store
	verifier *auth.Verifier
	reg      *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	st := store.NewMemory(store.Limits{}).Bundle()
	h := hub.NewHub(nil)
	reg := registry.New()
	d := dispatch.New(nil, st, h, nil, nil)

	g := New(nil, verifier, st, h, reg, d, nil, Config{
		HeartbeatEvery: time.Minute,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", g.HandleEvents)
	mux.HandleFunc("GET /chat/{hex}", g.HandleChat)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, st: st, verifier: verifier, reg: reg}
}

func (ts *testServer) addConversation(t *testing.T, hex, a, b string) {
	t.Helper()
	conv := model.Conversation{
		Hex:   hex,
		Scope: model.ScopeUser,
		Trust: model.TrustTrusted,
		From:  a,
		Participants: []model.Participant{
			{Hex: a}, {Hex: b},
		},
		PairKey: model.PairKey(a, b),
	}
	if err := ts.st.Conversations.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
}

func (ts *testServer) dial(t *testing.T, ctx context.Context, path, userHex string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	header := http.Header{}
	if userHex != "" {
		token, err := ts.verifier.Sign(auth.Principal{Hex: userHex}, time.Now().UTC())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		header.Set("Cookie", auth.DefaultCookieName+"="+token)
	}
	return websocket.Dial(ctx, ts.srv.URL+path, &websocket.DialOptions{HTTPHeader: header})
}

func readWire(t *testing.T, ctx context.Context, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f wire.Frame
	if err := f.Decode(data); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

func sendWire(t *testing.T, ctx context.Context, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandleEvents_RejectsMissingCookie(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := ts.dial(t, ctx, "/events", "")
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
}

func TestHandleChat_Rejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.addConversation(t, "C1", "UA", "UB")

	cases := []struct {
		name       string
		path       string
		user       string
		wantStatus int
	}{
		{"unknown conversation", "/chat/nope", "UA", http.StatusNotFound},
		{"non-participant", "/chat/C1", "UC", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, resp, err := ts.dial(t, ctx, tc.path, tc.user)
			if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatalf("expected dial failure")
			}
			if resp == nil || resp.StatusCode != tc.wantStatus {
				t.Fatalf("resp = %+v, want %d", resp, tc.wantStatus)
			}
		})
	}
}

func TestChat_MessageRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.addConversation(t, "C1", "UA", "UB")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := ts.dial(t, ctx, "/chat/C1", "UA")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Joining publishes the synthetic system frame to the topic.
	join := readWire(t, ctx, conn)
	if join.Kind != wire.KindSystem {
		t.Fatalf("first frame kind = %q, want system", join.Kind)
	}

	sendWire(t, ctx, conn, wire.NewFrame(wire.KindNew, map[string]any{
		"conversation":     "C1",
		"kind":             "message",
		"type":             "all",
		"user":             "UA",
		"recipientContent": map[string]any{"encrypted": "E1", "nonce": "N1"},
		"senderContent":    map[string]any{"encrypted": "E2", "nonce": "N2"},
		"status":           "sent",
	}))

	echoed := readWire(t, ctx, conn)
	if echoed.Kind != wire.KindNew {
		t.Fatalf("frame kind = %q, want new", echoed.Kind)
	}
	var msg model.Message
	if err := json.Unmarshal(echoed.Message, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ID == "" || msg.Conversation != "C1" || msg.User != "UA" {
		t.Fatalf("message = %+v", msg)
	}

	// The message also landed in the repository.
	stored, err := ts.st.Messages.FindMessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.SenderContent.Encrypted != "E2" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestChat_ErrorFrameStaysOnOrigin(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.addConversation(t, "C1", "UA", "UB")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := ts.dial(t, ctx, "/chat/C1", "UA")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readWire(t, ctx, conn) // join frame

	sendWire(t, ctx, conn, wire.NewFrame(wire.KindRemove, wire.RemoveBody{ID: "missing", User: "UA"}))

	f := readWire(t, ctx, conn)
	if f.Kind != wire.KindError {
		t.Fatalf("frame kind = %q, want error", f.Kind)
	}
	var body wire.ErrorBody
	if err := json.Unmarshal(f.Message, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == "" || body.Kind != wire.KindRemove {
		t.Fatalf("body = %+v", body)
	}
}

func TestChat_InvalidJSONAndUnknownKind(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.addConversation(t, "C1", "UA", "UB")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := ts.dial(t, ctx, "/chat/C1", "UA")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readWire(t, ctx, conn) // join frame

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readWire(t, ctx, conn)
	if f.Kind != wire.KindError {
		t.Fatalf("frame kind = %q, want error", f.Kind)
	}
	var body wire.ErrorBody
	if err := json.Unmarshal(f.Message, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "invalid JSON" {
		t.Fatalf("error = %q", body.Error)
	}

	// Unknown kinds are dropped without a reply; the next valid frame still
	// round-trips, proving the session survived.
	sendWire(t, ctx, conn, wire.Frame{Kind: "presence", Message: json.RawMessage(`{}`)})
	sendWire(t, ctx, conn, wire.NewFrame(wire.KindRemove, wire.RemoveBody{ID: "missing", User: "UA"}))

	f = readWire(t, ctx, conn)
	if f.Kind != wire.KindError {
		t.Fatalf("frame kind = %q, want error", f.Kind)
	}
	if err := json.Unmarshal(f.Message, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Kind != wire.KindRemove {
		t.Fatalf("body = %+v, want the remove failure, not a drop reply", body)
	}
}

func TestEvents_PushOnly(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := ts.dial(t, ctx, "/events", "UA")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the registry to observe the session.
	deadline := time.Now().Add(2 * time.Second)
	for !ts.reg.Connected("UA") {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Inbound frames on the notification socket are ignored outright.
	sendWire(t, ctx, conn, wire.NewFrame(wire.KindStatus, wire.StatusBody{ID: "M1", Status: "read"}))

	// Delivery jobs push through the registry handle to this socket.
	for _, h := range ts.reg.Get("UA") {
		h.TrySend(wire.NewFrame(wire.KindNew, map[string]string{"_id": "M9"}))
	}

	f := readWire(t, ctx, conn)
	if f.Kind != wire.KindNew {
		t.Fatalf("frame kind = %q, want new", f.Kind)
	}
	var body map[string]string
	if err := json.Unmarshal(f.Message, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["_id"] != "M9" {
		t.Fatalf("body = %v", body)
	}
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	got := Config{}.Normalize()
	if got.SendQueueSize != defaultSendQueueSize || got.ReadIdle != defaultReadIdle {
		t.Fatalf("config = %+v", got)
	}
	if got.RateEvents != defaultRateEvents || got.RateWindow != defaultRateWindow {
		t.Fatalf("config = %+v", got)
	}

	small := Config{SendQueueSize: 2}.Normalize()
	if small.SendQueueSize != minSendQueueSize {
		t.Fatalf("send queue = %d, want %d", small.SendQueueSize, minSendQueueSize)
	}
}
