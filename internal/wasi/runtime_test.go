package wasi_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/deislabs/krustlet-wasm3/internal/wasi"
	"github.com/deislabs/krustlet-wasm3/internal/wasi/wasitest"
	pkgerrors "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

const testStackSize = 60 * 1024

func startModule(t *testing.T, module []byte) (*wasi.Handle, <-chan wasi.Status) {
	t.Helper()
	rt, err := wasi.NewRuntime(wasi.ModuleSpec{
		Name:      "test-instance",
		Module:    module,
		StackSize: testStackSize,
	}, t.TempDir())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	updates, cancel := rt.StatusChannel().Subscribe()
	t.Cleanup(cancel)
	handle, err := rt.Start()
	if err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	return handle, updates
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collectTerminal drains status updates until the terminal transition.
func collectTerminal(t *testing.T, updates <-chan wasi.Status) wasi.Status {
	t.Helper()
	deadline := time.After(30 * time.Second)
	terminals := 0
	var last wasi.Status
	for {
		select {
		case status := <-updates:
			if status.State == wasi.StateTerminated {
				terminals++
				last = status
				// Give a late duplicate a chance to show up.
				select {
				case extra := <-updates:
					if extra.State == wasi.StateTerminated {
						terminals++
					}
				case <-time.After(50 * time.Millisecond):
				}
				if terminals != 1 {
					t.Fatalf("expected exactly one terminal status, got %d", terminals)
				}
				return last
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal status")
		}
	}
}

func TestRunToCompletion(t *testing.T) {
	handle, updates := startModule(t, wasitest.NoopModule())

	if err := handle.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	status := collectTerminal(t, updates)
	if status.Failed {
		t.Fatalf("expected success, got failed terminal status: %s", status.Message)
	}
}

func TestRunInvalidModule(t *testing.T) {
	handle, updates := startModule(t, wasitest.InvalidModule())

	err := handle.Wait(waitCtx(t))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !pkgerrors.IsCode(err, pkgerrors.ParseError) {
		t.Fatalf("expected ParseError, got code %d: %v", pkgerrors.GetCode(err), err)
	}
	status := collectTerminal(t, updates)
	if !status.Failed {
		t.Fatal("expected failed terminal status")
	}
}

func TestRunModuleWithoutEntrypoint(t *testing.T) {
	handle, updates := startModule(t, wasitest.EmptyModule())

	err := handle.Wait(waitCtx(t))
	if !pkgerrors.IsCode(err, pkgerrors.NoEntrypoint) {
		t.Fatalf("expected NoEntrypoint, got %v", err)
	}
	status := collectTerminal(t, updates)
	if !status.Failed {
		t.Fatal("expected failed terminal status")
	}
	if !strings.Contains(status.Message, "_start") {
		t.Fatalf("expected message to name the entrypoint, got %q", status.Message)
	}
}

func TestRunTrappingModule(t *testing.T) {
	handle, updates := startModule(t, wasitest.TrapModule())

	err := handle.Wait(waitCtx(t))
	if !pkgerrors.IsCode(err, pkgerrors.RunFailure) {
		t.Fatalf("expected RunFailure, got %v", err)
	}
	status := collectTerminal(t, updates)
	if !status.Failed {
		t.Fatal("expected failed terminal status")
	}
}

func TestModuleOutputCapturedInLogSink(t *testing.T) {
	handle, _ := startModule(t, wasitest.HelloModule())

	if err := handle.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	reader, err := handle.NewLogReader()
	if err != nil {
		t.Fatalf("new log reader: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if string(data) != wasitest.HelloOutput {
		t.Fatalf("expected log output %q, got %q", wasitest.HelloOutput, string(data))
	}
}

func TestWaitIsIdempotent(t *testing.T) {
	handle, _ := startModule(t, wasitest.TrapModule())

	first := handle.Wait(waitCtx(t))
	second := handle.Wait(waitCtx(t))
	if first == nil || second == nil {
		t.Fatal("expected both waits to return the run error")
	}
	if first.Error() != second.Error() {
		t.Fatalf("wait results differ: %q vs %q", first, second)
	}
}

func TestStopAfterTerminationIsNoop(t *testing.T) {
	handle, _ := startModule(t, wasitest.NoopModule())

	if err := handle.Wait(waitCtx(t)); err != nil {
		t.Fatalf("wait: %v", err)
	}
	before := handle.Status()
	if err := handle.Stop(context.Background()); err != nil {
		t.Fatalf("stop after termination: %v", err)
	}
	after := handle.Status()
	if before != after {
		t.Fatalf("stop altered status: %+v vs %+v", before, after)
	}
}

func TestSpecValidation(t *testing.T) {
	_, err := wasi.NewRuntime(wasi.ModuleSpec{Name: "empty"}, t.TempDir())
	if !pkgerrors.IsCode(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected InvalidParams for empty module bytes, got %v", err)
	}

	_, err = wasi.NewRuntime(wasi.ModuleSpec{
		Name:   "bad-env",
		Module: wasitest.NoopModule(),
		Env:    map[string]string{"": "value"},
	}, t.TempDir())
	if !pkgerrors.IsCode(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected InvalidParams for empty env key, got %v", err)
	}
}
