package wasi

import (
	"sync"
	"time"

	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

// State names one lifecycle phase of a module instance.
type State string

const (
	StateWaiting    State = "waiting"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Status is one lifecycle transition of a module instance.
type Status struct {
	State   State
	Failed  bool
	Message string
	Since   time.Time
}

// WaitingStatus builds the initial pre-execution status.
func WaitingStatus(message string) Status {
	return Status{State: StateWaiting, Message: message, Since: time.Now()}
}

// RunningStatus builds the status published when the entry point starts.
func RunningStatus() Status {
	return Status{State: StateRunning, Since: time.Now()}
}

// TerminatedStatus builds the terminal status. Failed marks any setup or
// runtime error; a normal entry point return reports Failed=false.
func TerminatedStatus(failed bool, message string) Status {
	return Status{State: StateTerminated, Failed: failed, Message: message, Since: time.Now()}
}

// StatusChannel broadcasts lifecycle transitions from a single producer to
// any number of consumers. Consumers see the current value at subscription
// time plus all subsequent transitions; there is no full-history replay.
type StatusChannel struct {
	mu         sync.Mutex
	current    Status
	subs       map[int]chan Status
	nextID     int
	terminated bool
	closed     bool
}

// NewStatusChannel creates a channel seeded with the given status.
func NewStatusChannel(initial Status) *StatusChannel {
	return &StatusChannel{
		current: initial,
		subs:    make(map[int]chan Status),
	}
}

// Current returns the most recently published status.
func (c *StatusChannel) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Broadcast publishes a transition to all subscribers. Slow subscribers only
// keep the latest value: a full subscriber slot is drained and replaced.
// Broadcasting on a closed channel fails; broadcasting after the terminal
// transition is a single-writer contract violation and panics.
func (c *StatusChannel) Broadcast(s Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return appErr.New(appErr.StatusClosed)
	}
	if c.terminated {
		panic("wasi: status broadcast after terminal transition")
	}
	c.current = s
	if s.State == StateTerminated {
		c.terminated = true
	}
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			// Subscriber has not drained the previous value. Replace it.
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
	return nil
}

// Subscribe registers a consumer. The returned channel is seeded with the
// current value. The cancel func detaches the consumer; it is safe to call
// more than once.
func (c *StatusChannel) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Status, 1)
	ch <- c.current
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
	return ch, cancel
}

// Close detaches all subscribers and fails any further broadcast. Only the
// owning instance closes the channel, after the terminal transition.
func (c *StatusChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}
