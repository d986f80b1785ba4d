package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(context.Context, string, map[string]string) error {
	p.calls++
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error { return nil }

func TestEncode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := Encode(CodeIssued, map[string]string{"client_id": "client_abc"}, now)
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, CodeIssued, evt.Type)
	assert.True(t, now.Equal(evt.OccurredAt))
	assert.Equal(t, "client_abc", evt.Data["client_id"])
}

func TestEmit_SwallowsErrors(t *testing.T) {
	pub := &failingPublisher{}
	assert.NotPanics(t, func() {
		Emit(context.Background(), pub, TokenIssued, nil)
	})
	assert.Equal(t, 1, pub.calls)
}

func TestEmit_NilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, CodesSwept, nil)
	})
}

func TestNop(t *testing.T) {
	var pub Publisher = Nop{}
	assert.NoError(t, pub.Publish(context.Background(), ClientRegistered, nil))
	assert.NoError(t, pub.Close())
}
