package wasi_test

import (
	"io"
	"os"
	"testing"

	"github.com/deislabs/krustlet-wasm3/internal/wasi"
	pkgerrors "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

func TestLogSinkWriteThenRead(t *testing.T) {
	sink, err := wasi.NewLogSink(t.TempDir(), "sink")
	if err != nil {
		t.Fatalf("new log sink: %v", err)
	}
	defer sink.Release()
	factory := sink.Factory()
	defer factory.Close()

	w, err := sink.Writer()
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := w.WriteString("first\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A reader opened mid-write observes everything written so far.
	r, err := factory.NewReader()
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first\n" {
		t.Fatalf("expected %q, got %q", "first\n", string(data))
	}

	if _, err := w.WriteString("second\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	// A fresh reader after the writer closed sees the full stream from zero.
	r, err = factory.NewReader()
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	data, err = io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("expected full stream, got %q", string(data))
	}
}

func TestLogSinkRemovedOnlyAtZeroReferences(t *testing.T) {
	sink, err := wasi.NewLogSink(t.TempDir(), "sink")
	if err != nil {
		t.Fatalf("new log sink: %v", err)
	}
	factory := sink.Factory()
	path := sink.Path()

	// The owner releasing does not invalidate outstanding factories.
	sink.Release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("backing file removed while a factory is live: %v", err)
	}
	r, err := factory.NewReader()
	if err != nil {
		t.Fatalf("new reader after owner release: %v", err)
	}
	r.Close()

	if err := factory.Close(); err != nil {
		t.Fatalf("factory close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected backing file removed at zero references, stat err: %v", err)
	}
	if _, err := factory.NewReader(); !pkgerrors.IsCode(err, pkgerrors.NotFound) {
		t.Fatalf("expected NotFound after release, got %v", err)
	}

	// Close is idempotent and must not double-release.
	if err := factory.Close(); err != nil {
		t.Fatalf("second factory close: %v", err)
	}
}
