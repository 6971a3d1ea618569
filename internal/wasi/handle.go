package wasi

import (
	"context"
	"os"
	"sync"
)

// Handle is the caller-facing object for one running or finished instance.
// It decouples the lifecycle registry from the execution goroutine: callers
// synchronize only through Wait and the status channel.
type Handle struct {
	name   string
	done   chan struct{}
	err    error // written by the execution goroutine before done is closed
	status *StatusChannel
	logs   *HandleFactory
	sink   *LogSink

	releaseOnce sync.Once
}

// Name returns the instance name.
func (h *Handle) Name() string {
	return h.name
}

// Stop requests cooperative termination. Execution is run-to-completion and
// there is no forced-kill primitive, so this is a best-effort no-op; stopping
// an already-finished instance succeeds.
func (h *Handle) Stop(ctx context.Context) error {
	return nil
}

// Wait blocks until the execution unit has fully finished and returns its
// error, if any. Idempotent and safe after completion.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the most recently published lifecycle status.
func (h *Handle) Status() Status {
	return h.status.Current()
}

// Subscribe attaches a status consumer, seeded with the current value.
func (h *Handle) Subscribe() (<-chan Status, func()) {
	return h.status.Subscribe()
}

// NewLogReader yields a fresh log sink read handle.
func (h *Handle) NewLogReader() (*os.File, error) {
	return h.logs.NewReader()
}

// LogFactory returns the handle's log factory. The factory only vends new
// read handles and may be shared.
func (h *Handle) LogFactory() *HandleFactory {
	return h.logs
}

// Release drops the instance's log sink references and detaches status
// consumers. Called by the registry when the entry is removed. Idempotent.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.status.Close()
		_ = h.logs.Close()
		h.sink.Release()
	})
}
