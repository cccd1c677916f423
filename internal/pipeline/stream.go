package pipeline

import (
	"context"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// handoff passes items from one producer to one consumer. push never
// blocks; consume hands over everything queued so far as one batch, or
// parks a single waiter that the next push fills.
type handoff struct {
	mu     sync.Mutex
	items  []crawler.Item
	waiter chan []crawler.Item
}

func (h *handoff) push(item crawler.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiter != nil {
		h.waiter <- []crawler.Item{item}
		h.waiter = nil
		return
	}
	h.items = append(h.items, item)
}

func (h *handoff) consume() <-chan []crawler.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []crawler.Item, 1)
	if len(h.items) > 0 {
		ch <- h.items
		h.items = nil
		return ch
	}
	h.waiter = ch
	return ch
}

func (h *handoff) drain() []crawler.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := h.items
	h.items = nil
	h.waiter = nil
	return items
}

// Stream runs the pipeline in the background and yields its final items as
// they are produced. Every item produced before the run finished is yielded;
// if the run failed, the error is yielded last with a nil item. Breaking out
// of the loop cancels the run.
func (p *Pipeline) Stream(ctx context.Context) iter.Seq2[crawler.Item, error] {
	return func(yield func(crawler.Item, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		buf := &handoff{}
		done := make(chan struct{})
		var runErr error
		go func() {
			defer close(done)
			_, runErr = p.Run(ctx, buf.push)
		}()

		stopEarly := func() {
			cancel()
			<-done
		}

		for {
			next := buf.consume()
			select {
			case batch := <-next:
				for _, item := range batch {
					if !yield(item, nil) {
						stopEarly()
						return
					}
				}
			case <-done:
				// The final push may have filled the waiter in the same
				// instant the run finished.
				var rest []crawler.Item
				select {
				case batch := <-next:
					rest = batch
				default:
				}
				rest = append(rest, buf.drain()...)
				for _, item := range rest {
					if !yield(item, nil) {
						return
					}
				}
				if runErr != nil {
					p.pctx.logger().Debug("stream ended with error", zap.Error(runErr))
					yield(nil, runErr)
				}
				return
			}
		}
	}
}
