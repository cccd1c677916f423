package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// countStep emits Count numbered items per input and records how many it
// actually produced.
type countStep struct {
	Count    int    `json:"count"`
	Limit    Number `json:"limit,omitempty"`
	produced atomic.Int64
}

func (s *countStep) Name() string   { return "count" }
func (s *countStep) StepLimit() int { return s.Limit.Int() }

func (s *countStep) Process(_ context.Context, cur Cursor, emit Emit) error {
	for i := range s.Count {
		s.produced.Add(1)
		if emit(cur.Item.With("n", i)) {
			return nil
		}
	}
	return nil
}

// passStep forwards its input and fails on the FailAt-th input (1-based).
type passStep struct {
	FailAt int    `json:"failAt,omitempty"`
	Limit  Number `json:"limit,omitempty"`
	seen   atomic.Int64
}

var errFlakey = errors.New("flakey dependency")

func (s *passStep) Name() string   { return "pass" }
func (s *passStep) StepLimit() int { return s.Limit.Int() }

func (s *passStep) Process(_ context.Context, cur Cursor, emit Emit) error {
	if n := s.seen.Add(1); s.FailAt > 0 && int(n) == s.FailAt {
		return errFlakey
	}
	emit(cur.Item.With("passed", true))
	return nil
}

// blockStep emits one item then waits for cancellation.
type blockStep struct{}

func (blockStep) Name() string { return "block" }

func (blockStep) Process(ctx context.Context, cur Cursor, emit Emit) error {
	if emit(cur.Item.With("first", true)) {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func testRegistry() (*Registry, map[string]Step) {
	built := map[string]Step{}
	r := NewRegistry()
	r.Register("count", func(raw json.RawMessage) (Step, error) {
		s := &countStep{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, s); err != nil {
				return nil, err
			}
		}
		built["count"] = s
		return s, nil
	})
	r.Register("pass", func(raw json.RawMessage) (Step, error) {
		s := &passStep{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, s); err != nil {
				return nil, err
			}
		}
		built["pass"] = s
		return s, nil
	})
	r.Register("block", func(json.RawMessage) (Step, error) { return blockStep{}, nil })
	return r, built
}

func collectPartials() (func(crawler.Item), func() []crawler.Item) {
	var items []crawler.Item
	return func(item crawler.Item) { items = append(items, item) },
		func() []crawler.Item { return items }
}
