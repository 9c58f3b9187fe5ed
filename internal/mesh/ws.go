package mesh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/ratelimit"
)

// Message types.
const (
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeEvaluate     = "evaluate"
	TypeFulfill      = "fulfill"
	TypeFulfillAck   = "fulfill_ack"
	TypeDisconnect   = "disconnect"
	TypeDisconnected = "disconnected"
	TypeError        = "error"
)

// HelloWindow is the maximum age of a hello signature.
const HelloWindow = 5 * time.Minute

// ErrOracleOffline is returned by Dispatch when no connected node serves the
// target oracle.
var ErrOracleOffline = errors.New("oracle not connected")

// WSMessage is the JSON message format for WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON message sent by the hub.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HelloPayload announces a worker and the capabilities it serves. Signature
// covers HelloMessage(worker, capabilities, timestamp, nonce). A nonce is
// accepted once per worker.
type HelloPayload struct {
	Worker       common.Address `json:"worker"`
	Capabilities []string       `json:"capabilities"`
	Timestamp    int64          `json:"timestamp"`
	Nonce        string         `json:"nonce"`
	Signature    string         `json:"signature"`
}

// FulfillPayload answers one evaluate message.
type FulfillPayload struct {
	OutboundID       string  `json:"outbound_id"`
	Likelihoods      []int64 `json:"likelihoods"`
	JustificationRef string  `json:"justification_ref"`
}

// HelloMessage is the byte string a hello signature covers.
func HelloMessage(worker common.Address, capabilities []string, ts int64, nonce string) []byte {
	return []byte("quorum-hello:" + worker.Hex() + ":" + strings.Join(capabilities, ",") + ":" + strconv.FormatInt(ts, 10) + ":" + nonce)
}

// Fulfiller receives oracle answers. *dispatch.Dispatcher satisfies it.
type Fulfiller interface {
	Fulfill(ctx context.Context, outboundID string, likelihoods []int64, justificationRef string) error
	SlotOracle(outboundID string) (identity.OracleIdentity, bool)
}

// HubStats counts hub traffic.
type HubStats struct {
	TrackerStats
	Delivered      uint64 `json:"delivered"`
	DeliveryFailed uint64 `json:"delivery_failed"`
	Fulfilled      uint64 `json:"fulfilled"`
	Rejected       uint64 `json:"rejected"`
}

// Hub accepts oracle node connections, delivers outbound requests to them
// and feeds their answers to the Fulfiller. It implements dispatch.Transport.
type Hub struct {
	tracker     *Tracker
	fulfiller   Fulfiller
	messageRate int
	upgrader    websocket.Upgrader
	hellos      *auth.ReplayGuard

	delivered      atomic.Uint64
	deliveryFailed atomic.Uint64
	fulfilled      atomic.Uint64
	rejected       atomic.Uint64
}

// NewHub creates a hub. messageRate bounds inbound messages per connection
// per minute.
func NewHub(tracker *Tracker, fulfiller Fulfiller, messageRate int) *Hub {
	return &Hub{
		tracker:     tracker,
		fulfiller:   fulfiller,
		messageRate: messageRate,
		hellos:      auth.NewReplayGuard(auth.DefaultReplayCacheSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetFulfiller wires the answer sink. The dispatcher needs the hub as its
// transport, so one of the two is created first and linked afterwards.
func (h *Hub) SetFulfiller(f Fulfiller) { h.fulfiller = f }

// Tracker returns the hub's node tracker.
func (h *Hub) Tracker() *Tracker { return h.tracker }

// Stats returns traffic counters and node counts.
func (h *Hub) Stats() HubStats {
	return HubStats{
		TrackerStats:   h.tracker.Stats(),
		Delivered:      h.delivered.Load(),
		DeliveryFailed: h.deliveryFailed.Load(),
		Fulfilled:      h.fulfilled.Load(),
		Rejected:       h.rejected.Load(),
	}
}

// Dispatch sends an evaluate message to the node serving req.Oracle. It does
// not wait for the answer.
func (h *Hub) Dispatch(_ context.Context, req dispatch.OutboundRequest) error {
	node, ok := h.tracker.Lookup(req.Oracle)
	if !ok {
		h.deliveryFailed.Inc()
		return fmt.Errorf("%s: %w", req.Oracle, ErrOracleOffline)
	}
	if err := node.peer.write(WSResponse{Type: TypeEvaluate, Payload: req}); err != nil {
		h.deliveryFailed.Inc()
		return fmt.Errorf("deliver to %s: %w", req.Oracle, err)
	}
	h.delivered.Inc()
	return nil
}

// peer serialises writes to one connection.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(v)
}

func (p *peer) writeError(message string) {
	_ = p.write(WSResponse{Type: TypeError, Payload: map[string]string{"error": message}})
}

// ServeHTTP upgrades the connection to WebSocket and processes oracle node
// messages until the node disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mesh] websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	p := &peer{conn: conn}
	limiter := ratelimit.New(h.messageRate, time.Minute)
	var node *NodeInfo

	defer func() {
		if node != nil {
			h.tracker.Unregister(node)
			log.Printf("[mesh] node %s left", node.Worker.Hex())
		}
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[mesh] websocket read error: %v", err)
			}
			return
		}

		if !limiter.Allow() {
			p.writeError("rate limit exceeded")
			continue
		}

		switch msg.Type {
		case TypeHello:
			var hello HelloPayload
			if err := json.Unmarshal(msg.Payload, &hello); err != nil {
				p.writeError("invalid hello payload")
				continue
			}
			caps, err := verifyHello(hello, time.Now())
			if err == nil {
				err = h.hellos.Check(hello.Worker, hello.Nonce)
			}
			if err != nil {
				h.rejected.Inc()
				p.writeError("hello rejected: " + err.Error())
				continue
			}
			if node != nil {
				h.tracker.Unregister(node)
			}
			node = &NodeInfo{
				Worker:       hello.Worker,
				Capabilities: caps,
				Address:      r.RemoteAddr,
				peer:         p,
			}
			if prev := h.tracker.Register(node); prev != nil && prev.peer != p {
				prev.peer.conn.Close()
			}
			log.Printf("[mesh] node %s joined with %d capabilities", hello.Worker.Hex(), len(caps))
			if err := p.write(WSResponse{Type: TypeWelcome, Payload: map[string]string{"worker": hello.Worker.Hex()}}); err != nil {
				log.Printf("[mesh] websocket write error: %v", err)
				return
			}

		case TypeHeartbeat:
			if node != nil {
				h.tracker.Heartbeat(node.Worker)
			}
			if err := p.write(WSResponse{Type: TypeHeartbeatAck, Payload: map[string]string{"status": "ok"}}); err != nil {
				log.Printf("[mesh] websocket write error: %v", err)
				return
			}

		case TypeFulfill:
			if node == nil {
				p.writeError("hello required")
				continue
			}
			var f FulfillPayload
			if err := json.Unmarshal(msg.Payload, &f); err != nil {
				p.writeError("invalid fulfill payload")
				continue
			}
			if err := h.fulfill(r.Context(), node, f); err != nil {
				h.rejected.Inc()
				p.writeError(err.Error())
				continue
			}
			h.fulfilled.Inc()
			_ = p.write(WSResponse{Type: TypeFulfillAck, Payload: map[string]string{"outbound_id": f.OutboundID}})

		case TypeDisconnect:
			if node != nil {
				h.tracker.Unregister(node)
				node = nil // prevent double-unregister in defer
			}
			_ = p.write(WSResponse{Type: TypeDisconnected, Payload: map[string]string{"status": "ok"}})
			return

		default:
			p.writeError("unknown message type: " + msg.Type)
		}
	}
}

func (h *Hub) fulfill(ctx context.Context, node *NodeInfo, f FulfillPayload) error {
	if h.fulfiller == nil {
		return errors.New("no fulfiller")
	}
	oracle, ok := h.fulfiller.SlotOracle(f.OutboundID)
	if !ok {
		return fmt.Errorf("%s: %w", f.OutboundID, dispatch.ErrUnknownRequest)
	}
	if oracle.Worker != node.Worker {
		return fmt.Errorf("outbound %s belongs to %s", f.OutboundID, oracle.Worker.Hex())
	}
	err := h.fulfiller.Fulfill(ctx, f.OutboundID, f.Likelihoods, f.JustificationRef)
	// the answer is recorded even when settlement fails; the sweeper retries it
	if errors.Is(err, dispatch.ErrSettlement) {
		log.Printf("[mesh] %s: %v", f.OutboundID, err)
		return nil
	}
	return err
}

func verifyHello(hello HelloPayload, now time.Time) ([]common.Hash, error) {
	if len(hello.Capabilities) == 0 {
		return nil, errors.New("no capabilities")
	}
	if math.Abs(float64(now.Unix()-hello.Timestamp)) > HelloWindow.Seconds() {
		return nil, errors.New("timestamp outside window")
	}
	if hello.Nonce == "" || len(hello.Nonce) > 64 {
		return nil, errors.New("nonce must be 1 to 64 bytes")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(hello.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	signer, err := auth.Recover(HelloMessage(hello.Worker, hello.Capabilities, hello.Timestamp, hello.Nonce), sig)
	if err != nil {
		return nil, err
	}
	if signer != hello.Worker {
		return nil, fmt.Errorf("signed by %s", signer.Hex())
	}
	caps := make([]common.Hash, len(hello.Capabilities))
	for i, c := range hello.Capabilities {
		if caps[i], err = identity.ParseCapability(c); err != nil {
			return nil, err
		}
	}
	return caps, nil
}
