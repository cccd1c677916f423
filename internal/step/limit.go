package step

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// LimitStep passes at most Limit items through.
type LimitStep struct {
	commonArgs
}

// NewLimit accepts {"limit": n} or a bare number.
func NewLimit(raw json.RawMessage) (pipeline.Step, error) {
	s := &LimitStep{}
	if err := decodeArgs(raw, &s.commonArgs); err != nil {
		var n pipeline.Number
		if err2 := json.Unmarshal(raw, &n); err2 != nil {
			return nil, err
		}
		s.Limit = n
	}
	if s.Limit <= 0 {
		return nil, errors.New("limit step requires a positive limit")
	}
	return s, nil
}

// Name implements pipeline.Step.
func (s *LimitStep) Name() string { return NameLimit }

// Process implements pipeline.Step.
func (s *LimitStep) Process(_ context.Context, cur pipeline.Cursor, emit pipeline.Emit) error {
	emit(cur.Item)
	return nil
}
