package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/hub"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/relay"
	"github.com/natemellendorf/relaychat/internal/store"
)

const testSecret = "relay-test-secret"

type relayHarness struct {
	store  *store.BBoltStore
	hub    *hub.Hub
	server *httptest.Server
	wsURL  string
}

func (r *relayHarness) close() {
	r.hub.Close()
	r.server.Close()
	_ = r.store.Close()
}

func startRelayForTest(t *testing.T, limiter *SendLimiter) *relayHarness {
	t.Helper()
	st := store.NewBBoltStore(filepath.Join(t.TempDir(), "relay.db"))
	if err := st.Open(); err != nil {
		t.Fatalf("open store: %v", err)
	}

	svc := relay.NewService(st, relay.DefaultOptions())
	h := hub.New(svc, hub.Options{})
	svc.SetPusher(h)

	handler, health := NewRouter(Options{
		Service:  svc,
		Hub:      h,
		Store:    st,
		Verifier: auth.NewHMACVerifier(testSecret),
		Limiter:  limiter,
		DevMode:  true,
	})
	health.SetStoreInitialized()

	srv := httptest.NewServer(handler)
	return &relayHarness{
		store:  st,
		hub:    h,
		server: srv,
		wsURL:  strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws",
	}
}

func mustToken(t *testing.T, identity string) string {
	t.Helper()
	token, err := auth.Issue(testSecret, identity, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, r *relayHarness, method, path, identity string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, r.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+mustToken(t, identity))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func sendMessage(t *testing.T, r *relayHarness, from, to, content string) model.SendResponse {
	t.Helper()
	var resp model.SendResponse
	status := doJSON(t, r, http.MethodPost, "/relay/send", from, model.SendRequest{
		RecipientID: to,
		Payload:     model.Payload{EncryptedContent: content},
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("send: unexpected status %d", status)
	}
	return resp
}

func mustDial(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame model.Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame %+v: %v", frame, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) model.Frame {
	t.Helper()
	var frame model.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func mustType(t *testing.T, frame model.Frame, want string) {
	t.Helper()
	if frame.Type != want {
		t.Fatalf("unexpected frame type: got %q want %q", frame.Type, want)
	}
}

func waitOnline(t *testing.T, r *relayHarness, identity string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.hub.IsOnline(identity) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", identity)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayOfflineDeliveryScenario(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	sent := sendMessage(t, r, "sender", "recipient", "ciphertext")
	if sent.Status != model.StatusQueued {
		t.Fatalf("expected queued status for offline recipient, got %q", sent.Status)
	}

	var stats model.StatsResponse
	doJSON(t, r, http.MethodGet, "/relay/stats", "sender", nil, &stats)
	if stats.Stats.Total != 1 || stats.Stats.Deliverable != 1 {
		t.Fatalf("unexpected stats before delivery: %+v", stats.Stats)
	}

	// Connecting is the recovery point: the queued message is pushed.
	conn := mustDial(t, r.wsURL, mustToken(t, "recipient"))
	defer conn.Close()
	delivered := readFrame(t, conn)
	mustType(t, delivered, model.FrameTypeRelayMessage)
	if delivered.Data == nil || delivered.Data.ID != sent.MessageID {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}
	if delivered.Data.Payload.EncryptedContent != "ciphertext" {
		t.Fatalf("payload mutated: %q", delivered.Data.Payload.EncryptedContent)
	}

	writeFrame(t, conn, model.Frame{Type: model.FrameTypeAck, MessageID: sent.MessageID})
	ack := readFrame(t, conn)
	mustType(t, ack, model.FrameTypeAckOK)
	if ack.Result != relay.AckDeleted {
		t.Fatalf("expected deleted result, got %q", ack.Result)
	}

	doJSON(t, r, http.MethodGet, "/relay/stats", "sender", nil, &stats)
	if stats.Stats.Total != 0 {
		t.Fatalf("expected empty relay after ack, got %+v", stats.Stats)
	}
	if stats.Stats.OnlineUsers != 1 {
		t.Fatalf("expected one online user, got %d", stats.Stats.OnlineUsers)
	}
}

func TestRelayLivePushToOnlineRecipient(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	conn := mustDial(t, r.wsURL, mustToken(t, "recipient"))
	defer conn.Close()
	waitOnline(t, r, "recipient")

	sent := sendMessage(t, r, "sender", "recipient", "live")
	if sent.Status != model.StatusDelivered {
		t.Fatalf("expected delivered status, got %q", sent.Status)
	}

	frame := readFrame(t, conn)
	mustType(t, frame, model.FrameTypeRelayMessage)
	if frame.Data.ID != sent.MessageID {
		t.Fatalf("pushed unexpected id %s", frame.Data.ID)
	}

	// Pushed but unacknowledged is still pending.
	writeFrame(t, conn, model.Frame{Type: model.FrameTypePull})
	pulled := readFrame(t, conn)
	mustType(t, pulled, model.FrameTypeMessages)
	if len(pulled.Messages) != 1 || pulled.Messages[0].ID != sent.MessageID {
		t.Fatalf("expected message still pending, got %+v", pulled.Messages)
	}
}

func TestRelayIgnoresNonCoreFrames(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	conn := mustDial(t, r.wsURL, mustToken(t, "recipient"))
	defer conn.Close()

	writeFrame(t, conn, model.Frame{Type: "typing"})
	writeFrame(t, conn, model.Frame{Type: model.FrameTypePull})
	mustType(t, readFrame(t, conn), model.FrameTypeMessages)
}

func TestRelayRecoveryOrder(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		ids = append(ids, sendMessage(t, r, "sender", "recipient", content).MessageID)
	}

	var pending model.PendingResponse
	doJSON(t, r, http.MethodGet, "/relay/pending", "recipient", nil, &pending)
	if pending.Count != 3 {
		t.Fatalf("expected 3 pending, got %d", pending.Count)
	}
	for i, msg := range pending.Messages {
		if msg.ID != ids[i] {
			t.Fatalf("pending out of order at %d: got %s want %s", i, msg.ID, ids[i])
		}
	}

	conn := mustDial(t, r.wsURL, mustToken(t, "recipient"))
	defer conn.Close()
	for i := range ids {
		frame := readFrame(t, conn)
		mustType(t, frame, model.FrameTypeRelayMessage)
		if frame.Data.ID != ids[i] {
			t.Fatalf("delivery out of order at %d: got %s want %s", i, frame.Data.ID, ids[i])
		}
	}
}

func TestRelaySendErrors(t *testing.T) {
	r := startRelayForTest(t, NewSendLimiter(1, 2))
	defer r.close()

	if status := doJSON(t, r, http.MethodPost, "/relay/send", "", model.SendRequest{}, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}

	if status := doJSON(t, r, http.MethodPost, "/relay/send", "sender", model.SendRequest{RecipientID: "recipient"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty payload, got %d", status)
	}

	id := uuid.New().String()
	req := model.SendRequest{RecipientID: "recipient", MessageID: id, Payload: model.Payload{EncryptedContent: "x"}}
	if status := doJSON(t, r, http.MethodPost, "/relay/send", "other", req, nil); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if status := doJSON(t, r, http.MethodPost, "/relay/send", "other", req, nil); status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d", status)
	}
	if status := doJSON(t, r, http.MethodPost, "/relay/send", "other", req, nil); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the burst is spent, got %d", status)
	}
}

func TestRelayAcknowledgeIsIdempotent(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	sent := sendMessage(t, r, "sender", "recipient", "x")

	var ack model.AckResponse
	status := doJSON(t, r, http.MethodPost, "/relay/acknowledge", "recipient", model.AckRequest{MessageID: sent.MessageID}, &ack)
	if status != http.StatusOK || !ack.Success || ack.Result != relay.AckDeleted {
		t.Fatalf("unexpected first ack: %d %+v", status, ack)
	}

	ack = model.AckResponse{}
	status = doJSON(t, r, http.MethodPost, "/relay/acknowledge", "recipient", model.AckRequest{MessageID: sent.MessageID}, &ack)
	if status != http.StatusOK || !ack.Success || ack.Result != relay.AckNotFound {
		t.Fatalf("unexpected second ack: %d %+v", status, ack)
	}

	var pending model.PendingResponse
	doJSON(t, r, http.MethodGet, "/relay/pending", "recipient", nil, &pending)
	if pending.Count != 0 {
		t.Fatalf("expected nothing pending after ack, got %d", pending.Count)
	}
}

func TestRelayCleanup(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	var cleanup model.CleanupResponse
	status := doJSON(t, r, http.MethodPost, "/relay/cleanup", "admin", nil, &cleanup)
	if status != http.StatusOK || !cleanup.Success || cleanup.DeletedCount != 0 {
		t.Fatalf("unexpected cleanup response: %d %+v", status, cleanup)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	r := startRelayForTest(t, nil)
	defer r.close()

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestSendLimiter(t *testing.T) {
	l := NewSendLimiter(1, 1)
	if !l.Allow("a") {
		t.Fatal("first send should be allowed")
	}
	if l.Allow("a") {
		t.Fatal("second immediate send should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("limits are per identity")
	}

	var nilLimiter *SendLimiter
	if !nilLimiter.Allow("a") {
		t.Fatal("nil limiter allows everything")
	}
}
