// Package pipeline runs chains of steps over a stream of items. A run can be
// observed through a partial-result callback (Run) or pulled as an iterator
// (Stream).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/metrics"
)

// ErrNoSteps is returned when running an empty pipeline.
var ErrNoSteps = errors.New("pipeline has no steps")

var errLimitReached = errors.New("global limit reached")

// Result is the outcome of a run.
type Result struct {
	Items []crawler.Item `json:"items"`
}

type stage struct {
	desc Descriptor
	step Step
}

// Pipeline is an ordered list of steps sharing one Context.
type Pipeline struct {
	registry    *Registry
	pctx        *Context
	stages      []stage
	name        string
	description string
}

// New returns an empty pipeline. A nil pctx gets a fresh Context.
func New(registry *Registry, pctx *Context) *Pipeline {
	if pctx == nil {
		pctx = &Context{}
	}
	metrics.Init()
	return &Pipeline{registry: registry, pctx: pctx}
}

// Context returns the shared run context.
func (p *Pipeline) Context() *Context {
	return p.pctx
}

// Step appends the step d describes.
func (p *Pipeline) Step(d Descriptor) error {
	s, err := p.registry.Build(d)
	if err != nil {
		return err
	}
	p.stages = append(p.stages, stage{desc: d, step: s})
	return nil
}

// Init appends a const step seeded with prompt (a URL, an item, or a list).
func (p *Pipeline) Init(prompt any) error {
	args, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("encode init args: %w", err)
	}
	return p.Step(Descriptor{Name: "const", Args: args})
}

// Load replaces the steps with the workflow's and merges its options.
// On error the pipeline is left unchanged.
func (p *Pipeline) Load(wf Workflow) error {
	stages := make([]stage, 0, len(wf.Steps))
	for i, d := range wf.Steps {
		s, err := p.registry.Build(d)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		stages = append(stages, stage{desc: d, step: s})
	}
	p.stages = stages
	p.name = wf.Name
	p.description = wf.Description
	if wf.Options != nil {
		p.pctx.Update(*wf.Options)
	}
	return nil
}

// Dump returns the workflow this pipeline was built from.
func (p *Pipeline) Dump() Workflow {
	steps := make([]Descriptor, 0, len(p.stages))
	for _, st := range p.stages {
		steps = append(steps, st.desc)
	}
	opts := p.pctx.Dump()
	return Workflow{
		Steps:       steps,
		Options:     &opts,
		Name:        p.name,
		Description: p.description,
	}
}

// Run executes the pipeline. onPartial, when non-nil, is called once per
// final item in emission order (and for intermediate items when
// PublishAllSteps is set); calls never overlap. Reaching the global limit
// ends the run successfully with exactly Limit items. Any step error cancels
// every step and is returned together with the items gathered so far.
func (p *Pipeline) Run(ctx context.Context, onPartial func(crawler.Item)) (Result, error) {
	if len(p.stages) == 0 {
		return Result{}, ErrNoSteps
	}
	opts := p.pctx.Options()
	logger := p.pctx.logger()
	limit := opts.Limit.Int()
	concurrency := max(opts.Concurrency.Int(), 1)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	g, gctx := errgroup.WithContext(runCtx)

	var (
		partialMu sync.Mutex
		finished  bool
	)
	report := func(item crawler.Item) {
		if onPartial == nil {
			return
		}
		partialMu.Lock()
		defer partialMu.Unlock()
		if finished {
			return
		}
		onPartial(item)
	}

	seed := make(chan crawler.Item, 1)
	seed <- crawler.Item{}
	close(seed)

	// Each stage's context is a child of the next stage's, so a stage that
	// stops (limit, error, cancellation) releases everything upstream of it.
	contexts := make([]context.Context, len(p.stages))
	cancels := make([]context.CancelFunc, len(p.stages))
	parent := gctx
	for i := len(p.stages) - 1; i >= 0; i-- {
		contexts[i], cancels[i] = context.WithCancel(parent)
		parent = contexts[i]
	}

	var upstream <-chan crawler.Item = seed
	for i, st := range p.stages {
		out := make(chan crawler.Item)
		var publish func(crawler.Item)
		if opts.PublishAllSteps && i < len(p.stages)-1 {
			publish = func(item crawler.Item) { report(item.WithStatus(crawler.StatusLoading)) }
		}
		in := upstream
		stageCtx, cancel := contexts[i], cancels[i]
		g.Go(func() error {
			defer cancel()
			return p.runStage(stageCtx, st, i, concurrency, in, out, publish)
		})
		upstream = out
	}

	var items []crawler.Item
	for item := range upstream {
		if opts.PublishAllSteps {
			item = item.WithStatus(crawler.StatusDone)
		}
		items = append(items, item)
		report(item)
		if limit > 0 && len(items) >= limit {
			logger.Debug("global limit reached", zap.Int("limit", limit))
			cancelRun(errLimitReached)
			break
		}
	}
	partialMu.Lock()
	finished = true
	partialMu.Unlock()

	err := g.Wait()
	switch {
	case ctx.Err() != nil:
		metrics.ObserveRun("canceled")
		return Result{Items: items}, fmt.Errorf("pipeline canceled: %w", ctx.Err())
	case err != nil && errors.Is(context.Cause(runCtx), errLimitReached) && errors.Is(err, context.Canceled):
		err = nil
	}
	if err != nil {
		metrics.ObserveRun("failed")
		logger.Warn("pipeline failed", zap.Int("items", len(items)), zap.Error(err))
		return Result{Items: items}, err
	}
	metrics.ObserveRun("succeeded")
	logger.Info("pipeline finished", zap.Int("items", len(items)), zap.Any("usage", p.pctx.Usage()))
	return Result{Items: items}, nil
}

// runStage feeds every input to the step and forwards its outputs, honoring
// the step's own limit. It closes out when done.
func (p *Pipeline) runStage(
	ctx context.Context,
	st stage,
	position int,
	concurrency int,
	in <-chan crawler.Item,
	out chan<- crawler.Item,
	publish func(crawler.Item),
) error {
	defer close(out)
	name := st.step.Name()
	logger := p.pctx.logger().With(zap.String("step", name), zap.Int("position", position))

	limit := 0
	if l, ok := st.step.(Limited); ok {
		limit = l.StepLimit()
	}

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(stopCtx)
	g.SetLimit(concurrency)

	var emitted atomic.Int64
	emit := func(item crawler.Item) bool {
		if gctx.Err() != nil {
			return true
		}
		n := emitted.Add(1)
		if limit > 0 && n > int64(limit) {
			stop()
			return true
		}
		if publish != nil {
			publish(item)
		}
		select {
		case out <- item:
		case <-gctx.Done():
			return true
		}
		p.pctx.countEmit()
		metrics.ObserveStepItem(name)
		if limit > 0 && n >= int64(limit) {
			logger.Debug("step limit reached", zap.Int("limit", limit))
			stop()
			return true
		}
		return false
	}

	index := 0
feed:
	for {
		var (
			item crawler.Item
			ok   bool
		)
		select {
		case item, ok = <-in:
			if !ok {
				break feed
			}
		case <-gctx.Done():
			break feed
		}
		cur := Cursor{Item: item, Index: index, Ctx: p.pctx}
		index++
		g.Go(func() error {
			err := st.step.Process(gctx, cur, emit)
			if err == nil || gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("step %s: %w", name, err)
		})
	}
	return g.Wait()
}
