package mesh

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/identity"
)

type answer struct {
	outboundID    string
	likelihoods   []int64
	justification string
}

type fakeFulfiller struct {
	mu      sync.Mutex
	slots   map[string]identity.OracleIdentity
	answers []answer
	err     error
}

func (f *fakeFulfiller) Fulfill(_ context.Context, outboundID string, likelihoods []int64, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.answers = append(f.answers, answer{outboundID, likelihoods, ref})
	return nil
}

func (f *fakeFulfiller) SlotOracle(outboundID string) (identity.OracleIdentity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.slots[outboundID]
	return id, ok
}

func (f *fakeFulfiller) received() []answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]answer(nil), f.answers...)
}

func setupWSTest(t *testing.T, f *fakeFulfiller) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(NewTracker(), f, 600)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected status 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWSMessage(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	if err := conn.WriteJSON(WSMessage{Type: msgType, Payload: p}); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

func readWSMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func signedHello(t *testing.T, key *ecdsa.PrivateKey, caps ...string) HelloPayload {
	t.Helper()
	worker := auth.Address(key)
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	sig, err := auth.Sign(key, HelloMessage(worker, caps, ts, nonce))
	if err != nil {
		t.Fatalf("sign hello: %v", err)
	}
	return HelloPayload{Worker: worker, Capabilities: caps, Timestamp: ts, Nonce: nonce, Signature: hex.EncodeToString(sig)}
}

func TestWS_HelloAndFulfill(t *testing.T) {
	key, _ := crypto.GenerateKey()
	oracle := identity.New(auth.Address(key), judge)
	f := &fakeFulfiller{slots: map[string]identity.OracleIdentity{"out-1": oracle}}
	hub, server := setupWSTest(t, f)
	conn := dial(t, server)

	sendWSMessage(t, conn, TypeHello, signedHello(t, key, "judge"))
	if msg := readWSMessage(t, conn); msg.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %s: %s", msg.Type, msg.Payload)
	}

	req := dispatch.OutboundRequest{OutboundID: "out-1", RequestID: "0xreq", Oracle: oracle, PayloadRefs: []string{"ipfs://a"}, Class: 1}
	if err := hub.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msg := readWSMessage(t, conn)
	if msg.Type != TypeEvaluate {
		t.Fatalf("expected evaluate, got %s", msg.Type)
	}
	var got dispatch.OutboundRequest
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("decode evaluate: %v", err)
	}
	if got.OutboundID != "out-1" || got.Oracle != oracle {
		t.Fatalf("unexpected evaluate payload %+v", got)
	}

	sendWSMessage(t, conn, TypeFulfill, FulfillPayload{OutboundID: "out-1", Likelihoods: []int64{90, 10}, JustificationRef: "ipfs://why"})
	if msg := readWSMessage(t, conn); msg.Type != TypeFulfillAck {
		t.Fatalf("expected fulfill_ack, got %s: %s", msg.Type, msg.Payload)
	}
	answers := f.received()
	if len(answers) != 1 || answers[0].likelihoods[0] != 90 || answers[0].justification != "ipfs://why" {
		t.Fatalf("unexpected answers %+v", answers)
	}
	if s := hub.Stats(); s.Delivered != 1 || s.Fulfilled != 1 || s.NodesOnline != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestWS_HelloRejectsForgedWorker(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	_, server := setupWSTest(t, &fakeFulfiller{})
	conn := dial(t, server)

	hello := signedHello(t, key, "judge")
	hello.Worker = auth.Address(other)
	sendWSMessage(t, conn, TypeHello, hello)
	if msg := readWSMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
}

func TestWS_HelloReplayRejected(t *testing.T) {
	key, _ := crypto.GenerateKey()
	_, server := setupWSTest(t, &fakeFulfiller{})
	hello := signedHello(t, key, "judge")

	first := dial(t, server)
	sendWSMessage(t, first, TypeHello, hello)
	if msg := readWSMessage(t, first); msg.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %s", msg.Type)
	}

	// A captured hello cannot take over the worker's session.
	second := dial(t, server)
	sendWSMessage(t, second, TypeHello, hello)
	if msg := readWSMessage(t, second); msg.Type != TypeError {
		t.Fatalf("expected error for replayed hello, got %s", msg.Type)
	}

	// A freshly signed hello is accepted.
	sendWSMessage(t, second, TypeHello, signedHello(t, key, "judge"))
	if msg := readWSMessage(t, second); msg.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %s", msg.Type)
	}
}

func TestWS_HelloRejectsOverlongCapability(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hub, server := setupWSTest(t, &fakeFulfiller{})
	conn := dial(t, server)

	sendWSMessage(t, conn, TypeHello, signedHello(t, key, "judge", "llm-judge-english-long-form-v1.0-alpha"))
	if msg := readWSMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}
	if _, ok := hub.Tracker().Lookup(identity.New(auth.Address(key), judge)); ok {
		t.Error("rejected node should not be tracked")
	}
}

func TestWS_FulfillRequiresOwnSlot(t *testing.T) {
	key, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()
	f := &fakeFulfiller{slots: map[string]identity.OracleIdentity{
		"out-1": identity.New(auth.Address(stranger), judge),
	}}
	_, server := setupWSTest(t, f)
	conn := dial(t, server)

	sendWSMessage(t, conn, TypeFulfill, FulfillPayload{OutboundID: "out-1", Likelihoods: []int64{1}})
	if msg := readWSMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("fulfill before hello: expected error, got %s", msg.Type)
	}

	sendWSMessage(t, conn, TypeHello, signedHello(t, key, "judge"))
	readWSMessage(t, conn)
	sendWSMessage(t, conn, TypeFulfill, FulfillPayload{OutboundID: "out-1", Likelihoods: []int64{1}})
	if msg := readWSMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error for foreign slot, got %s", msg.Type)
	}
	if len(f.received()) != 0 {
		t.Fatal("foreign answer must not reach the fulfiller")
	}
}

func TestWS_DuplicateFulfillReported(t *testing.T) {
	key, _ := crypto.GenerateKey()
	oracle := identity.New(auth.Address(key), judge)
	f := &fakeFulfiller{slots: map[string]identity.OracleIdentity{"out-1": oracle}, err: dispatch.ErrAlreadyFulfilled}
	_, server := setupWSTest(t, f)
	conn := dial(t, server)

	sendWSMessage(t, conn, TypeHello, signedHello(t, key, "judge"))
	readWSMessage(t, conn)
	sendWSMessage(t, conn, TypeFulfill, FulfillPayload{OutboundID: "out-1", Likelihoods: []int64{1}})
	msg := readWSMessage(t, conn)
	if msg.Type != TypeError || !strings.Contains(string(msg.Payload), "already fulfilled") {
		t.Fatalf("expected duplicate error, got %s: %s", msg.Type, msg.Payload)
	}
}

func TestHub_DispatchOffline(t *testing.T) {
	hub := NewHub(NewTracker(), &fakeFulfiller{}, 60)
	key, _ := crypto.GenerateKey()
	err := hub.Dispatch(context.Background(), dispatch.OutboundRequest{Oracle: identity.New(auth.Address(key), judge)})
	if !errors.Is(err, ErrOracleOffline) {
		t.Fatalf("expected ErrOracleOffline, got %v", err)
	}
	if hub.Stats().DeliveryFailed != 1 {
		t.Fatal("expected failed delivery to be counted")
	}
}

func TestWS_Disconnect(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hub, server := setupWSTest(t, &fakeFulfiller{})
	conn := dial(t, server)

	sendWSMessage(t, conn, TypeHello, signedHello(t, key, "judge"))
	readWSMessage(t, conn)
	sendWSMessage(t, conn, TypeDisconnect, struct{}{})
	if msg := readWSMessage(t, conn); msg.Type != TypeDisconnected {
		t.Fatalf("expected disconnected, got %s", msg.Type)
	}
	if hub.Tracker().Stats().NodesTotal != 0 {
		t.Fatal("node should be removed on disconnect")
	}
}

func TestClient_ServesEvaluations(t *testing.T) {
	key, _ := crypto.GenerateKey()
	oracle := identity.New(auth.Address(key), judge)
	f := &fakeFulfiller{slots: map[string]identity.OracleIdentity{"out-7": oracle}}
	hub, server := setupWSTest(t, f)

	client := &Client{
		URL:          "ws" + strings.TrimPrefix(server.URL, "http"),
		Key:          key,
		Capabilities: []string{"judge"},
		Evaluate: func(_ context.Context, req dispatch.OutboundRequest) ([]int64, string, error) {
			return []int64{int64(len(req.PayloadRefs)), 0}, "ref-" + req.OutboundID, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	waitFor(t, func() bool {
		_, ok := hub.Tracker().Lookup(oracle)
		return ok
	})
	if err := hub.Dispatch(ctx, dispatch.OutboundRequest{OutboundID: "out-7", Oracle: oracle, PayloadRefs: []string{"a", "b"}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool { return len(f.received()) == 1 })

	got := f.received()[0]
	if got.likelihoods[0] != 2 || got.justification != "ref-out-7" {
		t.Fatalf("unexpected answer %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
