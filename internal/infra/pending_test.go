package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRequests_Resolve(t *testing.T) {
	p := NewPendingRequests()
	id := NewID()
	ch, err := p.Register(id)
	require.NoError(t, err)

	go func() {
		assert.True(t, p.Resolve(id, []byte(`{"retCode":0}`)))
	}()

	msg, err := p.Await(context.Background(), id, ch, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"retCode":0}`, string(msg))
	assert.Equal(t, 0, p.Len())
}

func TestPendingRequests_TimeoutRemovesEntry(t *testing.T) {
	p := NewPendingRequests()
	id := NewID()
	ch, err := p.Register(id)
	require.NoError(t, err)

	_, err = p.Await(context.Background(), id, ch, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Resolve(id, []byte("late")), "late response has no waiter")
}

func TestPendingRequests_ContextCancel(t *testing.T) {
	p := NewPendingRequests()
	id := NewID()
	ch, err := p.Register(id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Await(ctx, id, ch, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Len())
}

func TestPendingRequests_DuplicateID(t *testing.T) {
	p := NewPendingRequests()
	_, err := p.Register("a")
	require.NoError(t, err)
	_, err = p.Register("a")
	assert.Error(t, err)
	assert.Equal(t, 1, p.FailAll())
}

func TestPendingRequests_FailAllWakesWaiters(t *testing.T) {
	p := NewPendingRequests()
	id := NewID()
	ch, err := p.Register(id)
	require.NoError(t, err)

	go p.FailAll()

	_, err = p.Await(context.Background(), id, ch, time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 0, p.Len())
}
