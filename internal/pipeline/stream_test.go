package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

func TestHandoffDeliversEveryPush(t *testing.T) {
	t.Parallel()

	const total = 500
	h := &handoff{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			h.push(crawler.Item{"i": i})
		}
	}()

	var got []int
	for len(got) < total {
		select {
		case batch := <-h.consume():
			for _, item := range batch {
				got = append(got, item["i"].(int))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("stalled after %d items", len(got))
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d out of order: got %d", i, v)
		}
	}
	assert.Empty(t, h.drain())
}

func TestHandoffQueuesWithoutWaiter(t *testing.T) {
	t.Parallel()

	h := &handoff{}
	h.push(crawler.Item{"i": 1})
	h.push(crawler.Item{"i": 2})
	batch := <-h.consume()
	assert.Len(t, batch, 2)

	h.push(crawler.Item{"i": 3})
	assert.Equal(t, []crawler.Item{{"i": 3}}, h.drain())
}

func TestStreamYieldsEveryItem(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Options{}, `{"name":"count","args":{"count":200}}`, `{"name":"pass"}`)
	var got []crawler.Item
	for item, err := range p.Stream(context.Background()) {
		require.NoError(t, err)
		got = append(got, item)
	}
	require.Len(t, got, 200)
	for i, item := range got {
		assert.Equal(t, i, item["n"])
	}
}

func TestStreamYieldsErrorLast(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Options{}, `{"name":"count","args":{"count":10}}`, `{"name":"pass","args":{"failAt":4}}`)
	var (
		items   int
		lastErr error
		errAt   = -1
		yielded int
	)
	for item, err := range p.Stream(context.Background()) {
		if err != nil {
			lastErr = err
			errAt = yielded
			assert.Nil(t, item)
		} else {
			items++
		}
		yielded++
	}
	require.ErrorIs(t, lastErr, errFlakey)
	assert.Equal(t, 3, items)
	assert.Equal(t, yielded-1, errAt, "error must be the final element")
}

func TestStreamBreakCancelsRun(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Options{}, `{"name":"block"}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for item, err := range p.Stream(context.Background()) {
			assert.NoError(t, err)
			assert.Equal(t, true, item["first"])
			break
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("breaking out of the stream did not end the run")
	}
}

func TestStreamHonorsGlobalLimit(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Options{Limit: 3}, `{"name":"count","args":{"count":100}}`)
	var n int
	for _, err := range p.Stream(context.Background()) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestStreamParentCancel(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Options{}, `{"name":"block"}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var gotErr error
	for item, err := range p.Stream(ctx) {
		if err != nil {
			gotErr = err
			continue
		}
		require.Equal(t, true, item["first"])
		cancel()
	}
	require.ErrorIs(t, gotErr, context.Canceled)
}
