package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Workflow is the load/dump format of a pipeline.
type Workflow struct {
	Steps       []Descriptor `json:"steps"`
	Options     *Options     `json:"options,omitempty"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
}

// ParseWorkflow accepts the three shapes a run request may take: a full
// workflow object, a bare array of step descriptors, or a single string that
// seeds a const step.
func ParseWorkflow(raw []byte) (Workflow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Workflow{}, errors.New("empty workflow")
	}
	switch raw[0] {
	case '"':
		return Workflow{Steps: []Descriptor{{Name: "const", Args: json.RawMessage(raw)}}}, nil
	case '[':
		var steps []Descriptor
		if err := json.Unmarshal(raw, &steps); err != nil {
			return Workflow{}, fmt.Errorf("decode steps: %w", err)
		}
		return Workflow{Steps: steps}, nil
	default:
		var wf Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return Workflow{}, fmt.Errorf("decode workflow: %w", err)
		}
		return wf, nil
	}
}
