package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestL_ConcurrentFirstUse(t *testing.T) {
	const workers = 16
	got := make([]*zap.Logger, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = L()
			Named("worker").Debug("ready")
		}(i)
	}
	wg.Wait()

	for i := range got {
		require.NotNil(t, got[i])
		assert.Same(t, got[0], got[i])
	}
}

func TestFrom(t *testing.T) {
	assert.Same(t, L(), From(context.Background()))

	scoped := L().With(String("k", "v"))
	assert.Same(t, scoped, From(ToContext(context.Background(), scoped)))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "debug",
		"WARN":    "warn",
		"warning": "warn",
		"error":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in).String(), in)
	}
}
