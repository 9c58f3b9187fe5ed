package mesh

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/dispatch"
)

// Evaluator answers one evaluate request.
type Evaluator func(ctx context.Context, req dispatch.OutboundRequest) (likelihoods []int64, justificationRef string, err error)

// Client is an oracle node's connection to the hub.
type Client struct {
	URL               string
	Key               *ecdsa.PrivateKey
	Capabilities      []string
	Evaluate          Evaluator
	HeartbeatInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// Run connects, announces the node and serves evaluate requests until ctx
// is cancelled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.hello(); err != nil {
		return err
	}
	var welcome WSResponse
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != TypeWelcome {
		return fmt.Errorf("hub refused hello: %v", welcome.Payload)
	}
	log.Printf("[oracle] connected to %s as %s", c.URL, auth.Address(c.Key).Hex())

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = c.send(TypeDisconnect, struct{}{})
		conn.Close()
	}()
	if c.HeartbeatInterval > 0 {
		go c.heartbeat(ctx)
	}

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case TypeEvaluate:
			var req dispatch.OutboundRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				log.Printf("[oracle] bad evaluate payload: %v", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.answer(ctx, req)
			}()
		case TypeError:
			log.Printf("[oracle] hub error: %s", msg.Payload)
		case TypeDisconnected:
			return nil
		}
	}
}

func (c *Client) answer(ctx context.Context, req dispatch.OutboundRequest) {
	likelihoods, ref, err := c.Evaluate(ctx, req)
	if err != nil {
		log.Printf("[oracle] evaluate %s slot %d: %v", req.RequestID, req.Slot, err)
		return
	}
	if err := c.send(TypeFulfill, FulfillPayload{
		OutboundID:       req.OutboundID,
		Likelihoods:      likelihoods,
		JustificationRef: ref,
	}); err != nil {
		log.Printf("[oracle] fulfill %s: %v", req.OutboundID, err)
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(TypeHeartbeat, struct{}{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) hello() error {
	worker := auth.Address(c.Key)
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	sig, err := auth.Sign(c.Key, HelloMessage(worker, c.Capabilities, ts, nonce))
	if err != nil {
		return err
	}
	return c.send(TypeHello, HelloPayload{
		Worker:       worker,
		Capabilities: c.Capabilities,
		Timestamp:    ts,
		Nonce:        nonce,
		Signature:    hex.EncodeToString(sig),
	})
}

func (c *Client) send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(WSMessage{Type: msgType, Payload: raw})
}
