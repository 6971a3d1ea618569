package wasi

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

// entrypoint is the conventional zero-argument export a WASI module exposes
// as its main routine.
const entrypoint = "_start"

// Runtime owns one module instance: the spec, the log sink created before
// execution, and the status channel. Start dispatches the blocking
// run-to-completion onto a dedicated OS thread; the interpreter state is
// created and torn down entirely within that thread.
type Runtime struct {
	spec    ModuleSpec
	sink    *LogSink
	status  *StatusChannel
	started bool
}

// NewRuntime validates the spec and creates the log sink and status channel.
func NewRuntime(spec ModuleSpec, logDir string) (*Runtime, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sink, err := NewLogSink(logDir, fileSafe(spec.Name))
	if err != nil {
		return nil, err
	}
	status := NewStatusChannel(WaitingStatus("No status has been received from the process"))
	return &Runtime{spec: spec, sink: sink, status: status}, nil
}

// StatusChannel exposes the instance's status channel so consumers can attach
// before Start.
func (r *Runtime) StatusChannel() *StatusChannel {
	return r.status
}

// Start launches the module on its own locked OS thread and returns the
// instance handle. Every failure past this point, setup or runtime, publishes
// exactly one terminal failed status before surfacing from Handle.Wait.
func (r *Runtime) Start() (*Handle, error) {
	if r.started {
		return nil, appErr.Newf(appErr.InternalError, "runtime already started")
	}
	out, err := r.sink.Writer()
	if err != nil {
		return nil, err
	}
	r.started = true

	h := &Handle{
		name:   r.spec.Name,
		done:   make(chan struct{}),
		status: r.status,
		logs:   r.sink.Factory(),
		sink:   r.sink,
	}
	go func() {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
		h.err = r.run(out)
		_ = out.Close()
		close(h.done)
	}()
	return h, nil
}

// run executes the module to completion. Each step is an early-exit failure
// point; fail publishes the terminal status before the error propagates, since
// the status channel is the only way the orchestration layer learns an
// instance died.
func (r *Runtime) run(out *os.File) error {
	ctx := context.Background()

	cfg := wazero.NewRuntimeConfigInterpreter()
	if pages := r.spec.memoryPages(); pages > 0 {
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer func() {
		_ = rt.Close(ctx)
	}()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return r.fail(appErr.LinkError, "cannot link WASI", err)
	}

	compiled, err := rt.CompileModule(ctx, r.spec.Module)
	if err != nil {
		return r.fail(appErr.ParseError, "cannot parse module", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(r.spec.Name).
		WithStdout(out).
		WithStderr(out).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(cryptorand.Reader).
		WithStartFunctions()
	if len(r.spec.Args) > 0 {
		modCfg = modCfg.WithArgs(r.spec.Args...)
	}
	for key, value := range r.spec.Env {
		modCfg = modCfg.WithEnv(key, value)
	}
	if len(r.spec.Dirs) > 0 {
		fsCfg := wazero.NewFSConfig()
		for host, guest := range r.spec.Dirs {
			if guest == "" {
				guest = host
			}
			fsCfg = fsCfg.WithDirMount(host, guest)
		}
		modCfg = modCfg.WithFSConfig(fsCfg)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return r.fail(appErr.LoadError, "cannot load module", err)
	}
	defer func() {
		_ = mod.Close(ctx)
	}()

	start := mod.ExportedFunction(entrypoint)
	if start == nil {
		return r.fail(appErr.NoEntrypoint, "cannot find function '_start' in module", nil)
	}

	if err := r.status.Broadcast(RunningStatus()); err != nil {
		return appErr.Wrapf(err, appErr.StatusClosed, "running status publish failed")
	}

	if _, err := start.Call(ctx); err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return r.fail(appErr.RunFailure, "unable to run module", err)
		}
	}

	if err := r.status.Broadcast(TerminatedStatus(false, "Module run completed")); err != nil {
		// The terminal publish is never swallowed: a closed channel here is
		// fatal to the executing unit.
		return appErr.Wrapf(err, appErr.StatusClosed, "terminal status publish failed")
	}
	return nil
}

// fail publishes the terminal failed status and wraps the cause.
func (r *Runtime) fail(code appErr.ErrorCode, message string, cause error) error {
	ctx := logger.WithInstance(context.Background(), r.spec.Name)
	logger.Error(ctx, message, zap.Error(cause))
	if err := r.status.Broadcast(TerminatedStatus(true, message)); err != nil {
		logger.Error(ctx, "terminal status publish failed", zap.Error(err))
	}
	if cause == nil {
		return appErr.New(code).WithMessage(message)
	}
	return appErr.Wrapf(cause, code, "%s: %v", message, cause)
}

// fileSafe makes an instance name usable as a temp file prefix.
func fileSafe(name string) string {
	if name == "" {
		return "module"
	}
	return strings.NewReplacer("/", "_", "*", "_").Replace(name)
}
