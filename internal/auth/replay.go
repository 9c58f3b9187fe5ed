package auth

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrReplayed is returned for a signed request whose nonce was already used.
var ErrReplayed = errors.New("replayed request")

// DefaultReplayCacheSize bounds the nonces a ReplayGuard remembers.
const DefaultReplayCacheSize = 100_000

// ReplayGuard remembers accepted caller nonces for twice TimestampWindow, so
// a captured request cannot be resubmitted while its timestamp still passes.
type ReplayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewReplayGuard returns a guard holding up to size nonces.
func NewReplayGuard(size int) *ReplayGuard {
	if size <= 0 {
		size = DefaultReplayCacheSize
	}
	return &ReplayGuard{seen: expirable.NewLRU[string, struct{}](size, nil, 2*TimestampWindow)}
}

// Check records a nonce already verified for caller and returns ErrReplayed
// if the same caller used it before.
func (g *ReplayGuard) Check(caller common.Address, nonce string) error {
	key := caller.Hex() + "/" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(key) {
		return ErrReplayed
	}
	g.seen.Add(key, struct{}{})
	return nil
}
