// Package store resolves the wasm module binaries for a pod's containers.
package store

import (
	"context"

	corev1 "k8s.io/api/core/v1"
)

// ModuleStore fetches the module bytes for every container a pod declares.
// The returned map is keyed by container name and must contain an entry for
// each declared container; a missing entry is treated by the caller as a
// fatal internal-consistency error. Module bytes are immutable once fetched.
type ModuleStore interface {
	FetchPodModules(ctx context.Context, pod *corev1.Pod) (map[string][]byte, error)
}
