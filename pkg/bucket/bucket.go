// Package bucket maps a (subject, experiment) pair to a stable point in
// [0,1). The mapping is a pure function of its inputs: it never consults the
// clock, call order, or any mutable state. That determinism is what makes
// variant assignment idempotent without a store lookup and keeps horizontally
// scaled instances consistent without coordination.
package bucket

import "hash/fnv"

// Bucket returns a uniform value in [0,1) derived from the subject and
// experiment identifiers. Same inputs always produce the same output.
func Bucket(subjectID, experimentID string) float64 {
	h := fnv.New64a()

	// The separator keeps ("ab","c") and ("a","bc") from colliding.
	_, _ = h.Write([]byte(subjectID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(experimentID))

	// Top 53 bits over 2^53 is exact in float64 and strictly below 1.
	return float64(h.Sum64()>>11) / (1 << 53)
}
