// Package wasi runs WASI-conforming WebAssembly modules to completion on the
// wazero interpreter and reports their lifecycle over a status channel.
package wasi

import (
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

const wasmPageSize = 64 * 1024

// ModuleSpec describes one module instance to be run. It is immutable after
// construction and owned by the Runtime that consumes it.
type ModuleSpec struct {
	// Name identifies the instance in logs and status messages.
	Name string
	// Module is the raw WASI binary.
	Module []byte
	// StackSize is the interpreter memory budget in bytes, rounded up to
	// 64KiB pages. Zero means unlimited.
	StackSize uint32
	// Env is the environment variable mapping made visible to the module.
	Env map[string]string
	// Args is the command-line argument list, argv[0] included.
	Args []string
	// Dirs maps host filesystem paths to guest-visible alias paths. An empty
	// alias exposes the same path verbatim.
	Dirs map[string]string
}

// Validate checks the capability binding before execution starts.
func (s ModuleSpec) Validate() error {
	if len(s.Module) == 0 {
		return appErr.Newf(appErr.InvalidParams, "module bytes are required")
	}
	for key := range s.Env {
		if key == "" {
			return appErr.Newf(appErr.InvalidParams, "environment variable key must not be empty")
		}
	}
	for host := range s.Dirs {
		if host == "" {
			return appErr.Newf(appErr.InvalidParams, "directory mapping host path must not be empty")
		}
	}
	return nil
}

// memoryPages converts the stack size byte budget into wasm pages. Rounding
// happens in uint64 so budgets near the uint32 ceiling do not wrap.
func (s ModuleSpec) memoryPages() uint32 {
	if s.StackSize == 0 {
		return 0
	}
	return uint32((uint64(s.StackSize) + wasmPageSize - 1) / wasmPageSize)
}
