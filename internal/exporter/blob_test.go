package exporter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/hash/sha256"
	"github.com/JakeFAU/relay-scraper/internal/storage/memory"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestBlobExportWritesHashedObject(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := fixedClock(time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	exp, err := NewBlob(store, sha256.New(), clock, BlobConfig{Prefix: "runs"}, zap.NewNop())
	require.NoError(t, err)

	item := crawler.Item{crawler.KeyURL: "https://example.com", crawler.KeyHTML: "<p/>", "title": "x"}
	require.NoError(t, exp.Export(context.Background(), item))
	require.NoError(t, exp.Export(context.Background(), item))
	assert.Equal(t, 1, store.Len(), "identical items share one object")

	want := `{"_url":"https://example.com","title":"x"}`
	sum, err := sha256.New().Hash([]byte(want))
	require.NoError(t, err)
	data, contentType, ok := store.Object("runs/2025/03/09/" + sum + ".json")
	require.True(t, ok)
	assert.JSONEq(t, want, string(data))
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, item, crawler.KeyHTML, "the caller's item is left alone")
}

func TestBlobExportErrors(t *testing.T) {
	t.Parallel()

	_, err := NewBlob(nil, sha256.New(), fixedClock(time.Now()), BlobConfig{}, nil)
	require.Error(t, err)

	exp, err := NewBlob(failingStore{}, sha256.New(), fixedClock(time.Now()), BlobConfig{}, nil)
	require.NoError(t, err)
	require.Error(t, exp.Export(context.Background(), crawler.Item{"a": 1}))

	exp, err = NewBlob(memory.NewBlobStore(), sha256.New(), fixedClock(time.Now()), BlobConfig{}, nil)
	require.NoError(t, err)
	require.Error(t, exp.Export(context.Background(), crawler.Item{"bad": make(chan int)}))
}
