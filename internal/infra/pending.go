package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCommandTimeout is returned when no response arrives for a stream command.
var ErrCommandTimeout = errors.New("stream command timed out")

// ErrSessionClosed is returned to waiters whose stream session ended.
var ErrSessionClosed = errors.New("stream session closed")

// PendingRequests correlates stream commands with their responses by id.
// Every registered id is removed exactly once: on resolve, timeout or cancel.
type PendingRequests struct {
	mu      sync.Mutex
	pending map[string]chan []byte
}

// NewPendingRequests creates an empty correlation table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{pending: make(map[string]chan []byte)}
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Register reserves id and returns the handle its response will be delivered on.
func (p *PendingRequests) Register(id string) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; ok {
		return nil, fmt.Errorf("duplicate correlation id %s", id)
	}
	ch := make(chan []byte, 1)
	p.pending[id] = ch
	return ch, nil
}

// Resolve delivers msg to the waiter registered under id.
// It reports false when nobody is waiting (late or unknown response).
func (p *PendingRequests) Resolve(id string, msg []byte) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Await waits for the response to id, bounded by timeout and ctx.
func (p *PendingRequests) Await(ctx context.Context, id string, ch <-chan []byte, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: id %s", ErrSessionClosed, id)
		}
		return msg, nil
	case <-timer.C:
		p.Cancel(id)
		return nil, fmt.Errorf("%w: id %s after %s", ErrCommandTimeout, id, timeout)
	case <-ctx.Done():
		p.Cancel(id)
		return nil, ctx.Err()
	}
}

// Cancel drops id without resolving it.
func (p *PendingRequests) Cancel(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// FailAll drops every pending id and wakes its waiter with ErrSessionClosed.
func (p *PendingRequests) FailAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	for _, ch := range p.pending {
		close(ch)
	}
	clear(p.pending)
	return n
}

// Len returns the number of in-flight commands.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
