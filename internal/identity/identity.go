// Package identity defines the composite key that names an oracle: the
// worker address that answers requests and the capability it registered for.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxClasses is the largest number of capability classes an oracle may declare.
const MaxClasses = 5

// OracleIdentity is the (worker, capability) pair an oracle registers under.
// It is immutable once created and comparable, so it can key maps directly.
type OracleIdentity struct {
	Worker     common.Address `json:"worker"`
	Capability common.Hash    `json:"capability"`
}

// New builds an identity from a worker address and capability id.
func New(worker common.Address, capability common.Hash) OracleIdentity {
	return OracleIdentity{Worker: worker, Capability: capability}
}

// ParseCapability converts a capability label ("llm-judge-v1") into a
// capability id. Labels are stored as their bytes, left-aligned, so they must
// fit in 32 bytes. A 0x-prefixed 32-byte hex string is used verbatim.
func ParseCapability(s string) (common.Hash, error) {
	if strings.HasPrefix(s, "0x") && len(s) == 2+2*common.HashLength {
		return common.HexToHash(s), nil
	}
	if s == "" {
		return common.Hash{}, errors.New("empty capability")
	}
	if len(s) > common.HashLength {
		return common.Hash{}, fmt.Errorf("capability %q is %d bytes, limit is %d", s, len(s), common.HashLength)
	}
	var h common.Hash
	copy(h[:], []byte(s))
	return h, nil
}

// CapabilityFromString is ParseCapability for labels known to be valid. It
// panics on an invalid label.
func CapabilityFromString(s string) common.Hash {
	h, err := ParseCapability(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Parse decodes the "worker/capability" form produced by String.
func Parse(s string) (OracleIdentity, error) {
	worker, capability, ok := strings.Cut(s, "/")
	if !ok {
		return OracleIdentity{}, fmt.Errorf("identity %q: missing capability", s)
	}
	if !common.IsHexAddress(worker) {
		return OracleIdentity{}, fmt.Errorf("identity %q: invalid worker address", s)
	}
	c, err := ParseCapability(capability)
	if err != nil {
		return OracleIdentity{}, fmt.Errorf("identity %q: %w", s, err)
	}
	return New(common.HexToAddress(worker), c), nil
}

// String renders the identity as "worker/capability".
func (id OracleIdentity) String() string {
	return id.Worker.Hex() + "/" + id.Capability.Hex()
}

// IsZero reports whether the identity has no worker address.
func (id OracleIdentity) IsZero() bool {
	return id.Worker == (common.Address{})
}

// ValidateClasses checks that a class list is within 1..MaxClasses entries.
func ValidateClasses(classes []uint64) error {
	if len(classes) == 0 {
		return fmt.Errorf("at least one capability class is required")
	}
	if len(classes) > MaxClasses {
		return fmt.Errorf("%d capability classes exceed limit of %d", len(classes), MaxClasses)
	}
	return nil
}

// HasClass reports whether class appears in classes.
func HasClass(classes []uint64, class uint64) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
