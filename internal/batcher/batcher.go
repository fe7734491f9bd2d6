// Package batcher groups filtered tests into immutable dispatch units
package batcher

import (
	"fmt"
	"sync/atomic"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Kind selects the batching strategy
type Kind string

const (
	FixedSize Kind = "fixed-size"
	Isolate   Kind = "isolate"
	Grouped   Kind = "grouped"
)

// GroupKey selects what grouped batching groups by
type GroupKey string

const (
	ByClass      GroupKey = "class"
	ByPackage    GroupKey = "package"
	ByAnnotation GroupKey = "annotation"
)

// Strategy configures how tests are split into batches
type Strategy struct {
	Kind    Kind
	Size    int
	GroupBy GroupKey
}

// DefaultStrategy chunks tests into batches of ten
func DefaultStrategy() Strategy {
	return Strategy{Kind: FixedSize, Size: 10}
}

// Validate checks the strategy before any batching happens
func (s Strategy) Validate() error {
	switch s.Kind {
	case Isolate:
		return nil
	case FixedSize:
		if s.Size < 1 {
			return &domain.ConfigError{Field: "batching.size", Message: fmt.Sprintf("must be >= 1, got %d", s.Size)}
		}
	case Grouped:
		if s.Size < 0 {
			return &domain.ConfigError{Field: "batching.size", Message: fmt.Sprintf("must be >= 0, got %d", s.Size)}
		}
		switch s.GroupBy {
		case ByClass, ByPackage, ByAnnotation:
		default:
			return &domain.ConfigError{Field: "batching.group_by", Message: fmt.Sprintf("unknown group key %q", s.GroupBy)}
		}
	default:
		return &domain.ConfigError{Field: "batching.strategy", Message: fmt.Sprintf("unknown strategy %q", s.Kind)}
	}
	return nil
}

// Sequence hands out run-unique, monotonically increasing batch ids.
// The zero value starts at 1.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Batcher creates batches with ids from a shared sequence
type Batcher struct {
	strategy Strategy
	seq      *Sequence
}

// New validates the strategy. A nil seq gets a private sequence.
func New(strategy Strategy, seq *Sequence) (*Batcher, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		seq = &Sequence{}
	}
	return &Batcher{strategy: strategy, seq: seq}, nil
}

// Batch splits tests into fresh batches. The result only depends on the
// input order and the strategy.
func (b *Batcher) Batch(tests []domain.Test) []*domain.TestBatch {
	var chunks [][]domain.Test
	switch b.strategy.Kind {
	case Isolate:
		chunks = chunk(tests, 1)
	case FixedSize:
		chunks = chunk(tests, b.strategy.Size)
	case Grouped:
		for _, group := range groupBy(tests, b.strategy.GroupBy) {
			chunks = append(chunks, chunk(group, b.strategy.Size)...)
		}
	}

	batches := make([]*domain.TestBatch, 0, len(chunks))
	for _, c := range chunks {
		batches = append(batches, domain.NewTestBatch(b.seq.Next(), domain.OriginFresh, c))
	}
	return batches
}

// Retry creates a new single-test batch for another attempt of t
func (b *Batcher) Retry(t domain.Test) *domain.TestBatch {
	return domain.NewTestBatch(b.seq.Next(), domain.OriginRetry, []domain.Test{t})
}

// Redeliver creates a batch for tests left untested after a device loss.
// It returns nil for an empty remainder.
func (b *Batcher) Redeliver(tests []domain.Test) *domain.TestBatch {
	if len(tests) == 0 {
		return nil
	}
	return domain.NewTestBatch(b.seq.Next(), domain.OriginRedelivery, tests)
}

// chunk splits tests into slices of at most size; size 0 means one chunk
func chunk(tests []domain.Test, size int) [][]domain.Test {
	if len(tests) == 0 {
		return nil
	}
	if size <= 0 || size >= len(tests) {
		return [][]domain.Test{tests}
	}
	var out [][]domain.Test
	for start := 0; start < len(tests); start += size {
		end := min(start+size, len(tests))
		out = append(out, tests[start:end])
	}
	return out
}

// groupBy buckets tests by key, groups in order of first appearance
func groupBy(tests []domain.Test, key GroupKey) [][]domain.Test {
	index := make(map[string]int)
	var groups [][]domain.Test
	for _, t := range tests {
		k := groupKey(t, key)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}

func groupKey(t domain.Test, key GroupKey) string {
	switch key {
	case ByPackage:
		return t.Package
	case ByAnnotation:
		if len(t.MetaProperties) > 0 {
			return t.MetaProperties[0].Name
		}
		return ""
	default:
		return t.ClassName()
	}
}
