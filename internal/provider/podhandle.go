package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/deislabs/krustlet-wasm3/internal/wasi"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

// podHandle maps container names to their instance handles for one tracked
// pod. Mutated only by deletion and removal.
type podHandle struct {
	namespace  string
	name       string
	containers map[string]*wasi.Handle
}

// stop signals every container and awaits completion.
func (h *podHandle) stop(ctx context.Context) error {
	for name, handle := range h.containers {
		cctx := logger.WithContainer(ctx, name)
		if err := handle.Stop(cctx); err != nil {
			return err
		}
		if err := handle.Wait(cctx); err != nil {
			// The instance already reported failure over its status channel;
			// stopping a failed container is still a successful stop.
			logger.Warn(cctx, "container finished with error during stop", zap.Error(err))
		}
	}
	return nil
}

// release drops every container's log sink references.
func (h *podHandle) release() {
	for _, handle := range h.containers {
		handle.Release()
	}
}
