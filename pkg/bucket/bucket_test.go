package bucket_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukex/variance/pkg/bucket"
)

func TestBucket_Deterministic(t *testing.T) {
	t.Parallel()

	first := bucket.Bucket("subject-1", "experiment-1")

	for range 100 {
		assert.Equal(t, first, bucket.Bucket("subject-1", "experiment-1"))
	}
}

func TestBucket_Range(t *testing.T) {
	t.Parallel()

	for i := range 10000 {
		value := bucket.Bucket(fmt.Sprintf("subject-%d", i), "experiment-1")

		assert.GreaterOrEqual(t, value, 0.0)
		assert.Less(t, value, 1.0)
	}
}

func TestBucket_IndependentAcrossExperiments(t *testing.T) {
	t.Parallel()

	// The same subject should land in different positions for different
	// experiments; identical placement everywhere would correlate arms.
	same := 0

	for i := range 1000 {
		subject := fmt.Sprintf("subject-%d", i)

		a := bucket.Bucket(subject, "experiment-a")
		b := bucket.Bucket(subject, "experiment-b")

		if (a < 0.5) == (b < 0.5) {
			same++
		}
	}

	assert.InDelta(t, 500, same, 100)
}

func TestBucket_UniformSplit(t *testing.T) {
	t.Parallel()

	const subjects = 10000

	below := 0

	for i := range subjects {
		if bucket.Bucket(fmt.Sprintf("user-%d", i), "split-test") < 0.5 {
			below++
		}
	}

	// A fair 50/50 split over 10k subjects stays within a few percent.
	assert.InDelta(t, subjects/2, below, subjects*0.03)
}
