package wasi

import (
	"os"
	"sync"

	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

// LogSink is the durable capture target for one instance's combined output
// stream. The backing store is an anonymous temp file in the process log
// directory; read handles reopen it by path at offset zero. The file is
// removed only when the owning instance and every derived handle factory
// have been released, not on individual handle close.
type LogSink struct {
	refs *sinkRefs
}

type sinkRefs struct {
	mu      sync.Mutex
	path    string
	count   int
	removed bool
}

func (r *sinkRefs) retain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *sinkRefs) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return
	}
	r.count--
	if r.count <= 0 {
		_ = os.Remove(r.path)
		r.removed = true
	}
}

// NewLogSink creates the backing temp file under logDir. The returned sink
// holds the owning reference.
func NewLogSink(logDir, name string) (*LogSink, error) {
	f, err := os.CreateTemp(logDir, name+"-*.log")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "create log file failed")
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, appErr.Wrapf(err, appErr.InternalError, "close log file failed")
	}
	return &LogSink{refs: &sinkRefs{path: path, count: 1}}, nil
}

// Path returns the backing file path.
func (s *LogSink) Path() string {
	return s.refs.path
}

// Writer opens an append handle for the executing module's output.
func (s *LogSink) Writer() (*os.File, error) {
	f, err := os.OpenFile(s.refs.path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "reopen log file for write failed")
	}
	return f, nil
}

// Factory derives a log handle factory holding its own reference.
func (s *LogSink) Factory() *HandleFactory {
	s.refs.retain()
	return &HandleFactory{refs: s.refs}
}

// Release drops the owning reference.
func (s *LogSink) Release() {
	s.refs.release()
}

// HandleFactory vends fresh log read handles on demand. It never mutates
// shared state and may be shared freely.
type HandleFactory struct {
	refs      *sinkRefs
	closeOnce sync.Once
}

// NewReader reopens the backing store at offset zero. Handles obtained at any
// time observe all bytes written up to that point, including after the
// writer side has closed.
func (f *HandleFactory) NewReader() (*os.File, error) {
	f.refs.mu.Lock()
	removed := f.refs.removed
	path := f.refs.path
	f.refs.mu.Unlock()
	if removed {
		return nil, appErr.Newf(appErr.NotFound, "log sink has been released")
	}
	r, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "reopen log file for read failed")
	}
	return r, nil
}

// Close drops the factory's reference. Idempotent.
func (f *HandleFactory) Close() error {
	f.closeOnce.Do(f.refs.release)
	return nil
}
