package pubsub

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

func TestExportPublishesJSON(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{
		publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
			got = msg
			return "msg-1", nil
		},
		logger: zap.NewNop(),
	}

	err := p.Export(context.Background(), crawler.Item{"_url": "https://example.com/a", "title": "A"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"_url":"https://example.com/a","title":"A"}`, string(got.Data))
	assert.Equal(t, "https://example.com/a", got.Attributes["url"])
}

func TestExportPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("topic not found")
	p := &Publisher{
		publish: func(context.Context, *pubsub.Message) (string, error) { return "", boom },
		logger:  zap.NewNop(),
	}
	require.ErrorIs(t, p.Export(context.Background(), crawler.Item{}), boom)

	err := New(nil, nil).Export(context.Background(), crawler.Item{})
	require.Error(t, err)
}
