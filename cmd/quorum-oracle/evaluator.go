package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/mesh"
)

// likelihoodTotal is the sum of every answer vector.
const likelihoodTotal = 100

// digestEvaluator answers with likelihoods derived from a Keccak digest of
// the payload references and addendum. Identical requests get identical
// answers, so honest reference oracles always cluster together.
func digestEvaluator(outputs int) mesh.Evaluator {
	return func(_ context.Context, req dispatch.OutboundRequest) ([]int64, string, error) {
		sum := digest(req)
		return likelihoods(sum, outputs), "quorum-oracle:" + hex.EncodeToString(sum[:8]), nil
	}
}

func digest(req dispatch.OutboundRequest) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, ref := range req.PayloadRefs {
		h.Write([]byte(ref))
		h.Write([]byte{0})
	}
	h.Write([]byte(req.Addendum))
	var class [8]byte
	binary.BigEndian.PutUint64(class[:], req.Class)
	h.Write(class[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// likelihoods spreads likelihoodTotal over n buckets weighted by digest bytes.
func likelihoods(sum [32]byte, n int) []int64 {
	weights := make([]int64, n)
	var total int64
	for i := range weights {
		weights[i] = int64(sum[i%len(sum)]) + 1
		total += weights[i]
	}
	out := make([]int64, n)
	var assigned int64
	for i, w := range weights {
		out[i] = w * likelihoodTotal / total
		assigned += out[i]
	}
	out[0] += likelihoodTotal - assigned
	return out
}
