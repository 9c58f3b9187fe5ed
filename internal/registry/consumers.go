package registry

import (
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/identity"
)

// ApproveContract allow-lists a consumer. Owner only. Approving an already
// approved consumer keeps its usage set.
func (r *Registry) ApproveContract(caller, addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	c, ok := r.consumers[addr]
	if !ok {
		c = &consumer{used: make(map[identity.OracleIdentity]struct{})}
		r.consumers[addr] = c
	}
	r.persistConsumerLocked(addr, c)
	r.emitter.Emit(events.Event{
		Type:  events.ContractApproved,
		Time:  r.now().Unix(),
		Attrs: map[string]string{"consumer": addr.Hex()},
	})
	return nil
}

// RemoveContract revokes a consumer and forgets its usage set. Owner only.
func (r *Registry) RemoveContract(caller, addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	if _, ok := r.consumers[addr]; !ok {
		return fmt.Errorf("consumer %s not approved", addr.Hex())
	}
	delete(r.consumers, addr)
	if r.store != nil {
		if err := r.store.DeleteConsumer(addr); err != nil {
			log.Printf("[registry] delete consumer %s: %v", addr.Hex(), err)
		}
	}
	r.emitter.Emit(events.Event{
		Type:  events.ContractRemoved,
		Time:  r.now().Unix(),
		Attrs: map[string]string{"consumer": addr.Hex()},
	})
	return nil
}

// IsApproved reports whether addr is an approved consumer.
func (r *Registry) IsApproved(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.consumers[addr]
	return ok
}

// RecordUsedOracles grants consumer the right to push score updates for ids.
func (r *Registry) RecordUsedOracles(caller common.Address, ids []identity.OracleIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[caller]
	if !ok {
		return ErrUnauthorized
	}
	for _, id := range ids {
		c.used[id] = struct{}{}
	}
	r.persistConsumerLocked(caller, c)
	return nil
}

// UsedBy reports whether consumer has recorded usage of id.
func (r *Registry) UsedBy(addr common.Address, id identity.OracleIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[addr]
	if !ok {
		return false
	}
	_, used := c.used[id]
	return used
}

func (r *Registry) persistConsumerLocked(addr common.Address, c *consumer) {
	if r.store == nil {
		return
	}
	state := ConsumerState{Address: addr, Used: make([]identity.OracleIdentity, 0, len(c.used))}
	for id := range c.used {
		state.Used = append(state.Used, id)
	}
	if err := r.store.SaveConsumer(state); err != nil {
		log.Printf("[registry] persist consumer %s: %v", addr.Hex(), err)
	}
}
