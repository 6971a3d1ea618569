// Package kubelet watches the control plane for pods scheduled on this node
// and dispatches lifecycle events to the provider. It is deliberately thin:
// the provider owns all state.
package kubelet

import (
	"context"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/deislabs/krustlet-wasm3/internal/provider"
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

const watchRetryDelay = 5 * time.Second

// Kubelet drives the provider from the pod watch stream.
type Kubelet struct {
	client   kubernetes.Interface
	provider *provider.Provider
	nodeName string
}

// New creates a kubelet loop for the given node name.
func New(client kubernetes.Interface, p *provider.Provider, nodeName string) *Kubelet {
	return &Kubelet{client: client, provider: p, nodeName: nodeName}
}

// Run watches pods assigned to this node until ctx is canceled, restarting
// the watch with a fixed delay on stream errors.
func (k *Kubelet) Run(ctx context.Context) error {
	for {
		if err := k.watchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error(ctx, "pod watch failed, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchRetryDelay):
		}
	}
}

func (k *Kubelet) watchOnce(ctx context.Context) error {
	selector := fields.OneTermEqualSelector("spec.nodeName", k.nodeName).String()
	w, err := k.client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector: selector,
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	logger.Info(ctx, "watching pods", zap.String("node", k.nodeName))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			k.dispatch(ctx, event)
		}
	}
}

// dispatch is synchronous: the control plane replays pod state on watch
// restart, so per-pod ordering matters more than event throughput here.
func (k *Kubelet) dispatch(ctx context.Context, event watch.Event) {
	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return
	}
	ctx = logger.WithPod(ctx, pod.Namespace, pod.Name)

	var err error
	switch event.Type {
	case watch.Added:
		err = k.provider.Add(ctx, pod)
	case watch.Modified:
		err = k.provider.Modify(ctx, pod)
	case watch.Deleted:
		err = k.provider.Delete(ctx, pod)
	default:
		return
	}
	if err != nil {
		if appErr.IsCode(err, appErr.PodAlreadyExists) {
			// Watch restarts replay Added events for pods we already track.
			logger.Debug(ctx, "pod already registered, event ignored")
			return
		}
		logger.Error(ctx, "pod event handling failed",
			zap.String("event", string(event.Type)), zap.Error(err))
	}
}
