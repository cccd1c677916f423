package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// ErrUnknownStep is returned when a descriptor names an unregistered step.
var ErrUnknownStep = errors.New("unknown step")

// Emit hands an item downstream. It returns true when downstream has had
// enough (a limit was reached or the run is ending); the step must then stop
// producing and return.
type Emit func(crawler.Item) (stop bool)

// Cursor is what a step sees for one input.
type Cursor struct {
	Item  crawler.Item
	Index int
	Ctx   *Context
}

// Step transforms each input item into zero or more output items.
// Returning an error aborts the whole run; item-level problems should be
// logged and skipped instead.
type Step interface {
	Name() string
	Process(ctx context.Context, cur Cursor, emit Emit) error
}

// Limited is implemented by steps that cap their own output count.
type Limited interface {
	StepLimit() int
}

// Descriptor is the serialized form of a step. Args are kept verbatim so a
// loaded workflow dumps back to the same JSON.
type Descriptor struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Factory builds a step from its raw args.
type Factory func(args json.RawMessage) (Step, error)

// Registry maps step names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered step names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the step a descriptor names.
func (r *Registry) Build(d Descriptor) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[d.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, d.Name)
	}
	step, err := f(d.Args)
	if err != nil {
		return nil, fmt.Errorf("build step %q: %w", d.Name, err)
	}
	return step, nil
}
