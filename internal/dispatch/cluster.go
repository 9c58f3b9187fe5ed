package dispatch

import "math/big"

// squaredDistance returns the squared Euclidean distance between two
// likelihood vectors. Missing trailing entries count as zero.
func squaredDistance(a, b []int64) *big.Int {
	n := max(len(a), len(b))
	sum := new(big.Int)
	d := new(big.Int)
	for i := 0; i < n; i++ {
		var x, y int64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		d.SetInt64(x)
		d.Sub(d, big.NewInt(y))
		sum.Add(sum, d.Mul(d, d))
	}
	return sum
}

// closestPair returns the positions (into vectors) of the pair with minimum
// squared distance. Ties keep the earliest pair in (i, j) order. ok is false
// when fewer than two vectors are given.
//
// The consensus cluster is always a pair, whatever cluster size is
// configured.
func closestPair(vectors [][]int64) (i, j int, ok bool) {
	if len(vectors) < 2 {
		return 0, 0, false
	}
	var best *big.Int
	for a := 0; a < len(vectors); a++ {
		for b := a + 1; b < len(vectors); b++ {
			dist := squaredDistance(vectors[a], vectors[b])
			if best == nil || dist.Cmp(best) < 0 {
				best, i, j = dist, a, b
			}
		}
	}
	return i, j, true
}

// meanVector returns the element-wise arithmetic mean of vectors, truncated
// toward zero. All vectors are expected to have the same length.
func meanVector(vectors [][]int64) []int64 {
	if len(vectors) == 0 {
		return nil
	}
	n := len(vectors[0])
	out := make([]int64, n)
	count := big.NewInt(int64(len(vectors)))
	sum := new(big.Int)
	for k := 0; k < n; k++ {
		sum.SetInt64(0)
		for _, v := range vectors {
			if k < len(v) {
				sum.Add(sum, big.NewInt(v[k]))
			}
		}
		out[k] = new(big.Int).Quo(sum, count).Int64()
	}
	return out
}
