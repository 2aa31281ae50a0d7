// Package replay tracks session salts observed by the server so captured
// streams and datagrams cannot be replayed. The set is probabilistic: a
// false positive drops a legitimate connection, so the filter is sized to
// keep that rare, while a false negative is impossible within a stage's
// lifetime.
package replay

import (
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

const (
	// DefaultCapacity is the expected salt count of the first stage.
	DefaultCapacity = 1 << 20

	// DefaultFalsePositiveRate is the target error rate of the first stage.
	DefaultFalsePositiveRate = 1e-6

	// growthFactor scales the capacity of each added stage.
	growthFactor = 2

	// tighteningRatio scales the error rate of each added stage so the
	// compound false positive rate stays bounded as the filter grows.
	tighteningRatio = 0.5
)

// Filter is a scalable Bloom filter over salts. When a stage fills up, a
// larger stage with a tighter error rate is stacked on top; lookups test
// every stage, inserts go to the newest. Safe for concurrent use.
type Filter struct {
	mu sync.Mutex

	stages   []*bloom.BloomFilter
	inserted uint // inserts into the newest stage
	capacity uint // capacity of the newest stage
	fpRate   float64
}

// New creates a filter with the given first-stage capacity and target false
// positive rate. Zero values select the defaults.
func New(capacity uint, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Filter{
		stages:   []*bloom.BloomFilter{bloom.NewWithEstimates(capacity, fpRate)},
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Check reports whether salt has been seen before.
func (f *Filter) Check(salt []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, stage := range f.stages {
		if stage.Test(salt) {
			return true
		}
	}
	return false
}

// Add records salt as seen.
func (f *Filter) Add(salt []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inserted >= f.capacity {
		f.capacity *= growthFactor
		f.fpRate *= tighteningRatio
		f.stages = append(f.stages, bloom.NewWithEstimates(f.capacity, f.fpRate))
		f.inserted = 0
	}

	f.stages[len(f.stages)-1].Add(salt)
	f.inserted++
}

// Stages returns the number of stacked stages. Exposed for metrics.
func (f *Filter) Stages() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.stages)
}
