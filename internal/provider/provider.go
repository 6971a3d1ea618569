// Package provider tracks running wasm module instances keyed by pod
// identity and drives their lifecycle against the cluster control plane.
package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/deislabs/krustlet-wasm3/internal/store"
	"github.com/deislabs/krustlet-wasm3/internal/wasi"
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

const logDirName = "wasm3-logs"

// Provider is the lifecycle registry of all known pods and their module
// instances. The registry lock guards only map mutations; module fetch,
// start, and stop all happen outside it.
type Provider struct {
	mu      sync.RWMutex
	handles map[string]*podHandle

	store     store.ModuleStore
	client    kubernetes.Interface
	logPath   string
	stackSize uint32
}

// New creates a provider and its log directory under dataDir.
func New(moduleStore store.ModuleStore, client kubernetes.Interface, dataDir string, stackSize uint32) (*Provider, error) {
	if moduleStore == nil {
		return nil, appErr.Newf(appErr.ConfigInvalid, "module store is required")
	}
	logPath := filepath.Join(dataDir, logDirName)
	if err := os.MkdirAll(logPath, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "create log directory failed")
	}
	return &Provider{
		handles:   make(map[string]*podHandle),
		store:     moduleStore,
		client:    client,
		logPath:   logPath,
		stackSize: stackSize,
	}, nil
}

// PodKey builds the stable registry key for a pod identity.
func PodKey(namespace, name string) string {
	return namespace + "/" + name
}

// Add fetches every declared container's module, starts one execution
// context per container, and registers the fully-built entry in one critical
// section. A module missing for a declared container aborts the whole add;
// nothing is left registered.
func (p *Provider) Add(ctx context.Context, pod *corev1.Pod) error {
	ctx = logger.WithPod(ctx, pod.Namespace, pod.Name)
	key := PodKey(pod.Namespace, pod.Name)

	// Re-adds happen on watch-stream restart replay. Reject before fetching or
	// starting anything; the registered entry keeps running untouched.
	p.mu.RLock()
	_, exists := p.handles[key]
	p.mu.RUnlock()
	if exists {
		return appErr.Newf(appErr.PodAlreadyExists, "pod %q is already registered", key)
	}

	modules, err := p.store.FetchPodModules(ctx, pod)
	if err != nil {
		return appErr.Wrapf(err, appErr.GetCode(err), "fetch pod modules failed: %v", err)
	}

	logger.Info(ctx, "starting containers for pod")
	containers := make(map[string]*wasi.Handle, len(pod.Spec.Containers))
	for _, container := range pod.Spec.Containers {
		data, ok := modules[container.Name]
		if !ok {
			releaseAll(containers)
			return appErr.Newf(appErr.ModuleMissing,
				"module store did not supply a module for container %q", container.Name)
		}
		handle, err := p.startContainer(ctx, pod, container, data)
		if err != nil {
			releaseAll(containers)
			return err
		}
		containers[container.Name] = handle
	}
	logger.Info(ctx, "all containers started for pod")

	p.mu.Lock()
	if _, exists := p.handles[key]; exists {
		// Lost the race against a concurrent add for the same pod. Back out
		// without touching the winner's entry.
		p.mu.Unlock()
		releaseAll(containers)
		return appErr.Newf(appErr.PodAlreadyExists, "pod %q is already registered", key)
	}
	p.handles[key] = &podHandle{
		namespace:  pod.Namespace,
		name:       pod.Name,
		containers: containers,
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) startContainer(ctx context.Context, pod *corev1.Pod, container corev1.Container, data []byte) (*wasi.Handle, error) {
	ctx = logger.WithContainer(ctx, container.Name)
	instanceID := uuid.NewString()

	env := make(map[string]string, len(container.Env))
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	args := make([]string, 0, len(container.Command)+len(container.Args))
	args = append(args, container.Command...)
	args = append(args, container.Args...)

	spec := wasi.ModuleSpec{
		Name:      instanceID,
		Module:    data,
		StackSize: p.stackSize,
		Env:       env,
		Args:      args,
	}
	rt, err := wasi.NewRuntime(spec, p.logPath)
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "starting container on thread", zap.String("instance", instanceID))
	handle, err := rt.Start()
	if err != nil {
		return nil, err
	}
	go watchStatus(logger.WithInstance(ctx, instanceID), handle)
	return handle, nil
}

// watchStatus is the in-process status consumer: it logs every lifecycle
// transition until the channel is closed.
func watchStatus(ctx context.Context, handle *wasi.Handle) {
	updates, cancel := handle.Subscribe()
	defer cancel()
	for status := range updates {
		logger.Info(ctx, "container status changed",
			zap.String("state", string(status.State)),
			zap.Bool("failed", status.Failed),
			zap.String("message", status.Message))
		if status.State == wasi.StateTerminated {
			return
		}
	}
}

// Modify handles the deletion-timestamp transition: stop every container,
// await completion, then delete the pod against the control plane with zero
// grace period. Other spec changes are not supported. An unknown pod key is
// tolerated; the registry and control plane may be transiently out of sync.
func (p *Provider) Modify(ctx context.Context, pod *corev1.Pod) error {
	ctx = logger.WithPod(ctx, pod.Namespace, pod.Name)
	if pod.DeletionTimestamp == nil {
		logger.Debug(ctx, "pod modified without deletion timestamp, no supported change")
		return nil
	}

	p.mu.RLock()
	entry := p.handles[PodKey(pod.Namespace, pod.Name)]
	p.mu.RUnlock()
	if entry == nil {
		logger.Warn(ctx, "unable to find pod when trying to stop all containers")
		return nil
	}

	if err := entry.stop(ctx); err != nil {
		return err
	}

	grace := int64(0)
	err := p.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return appErr.Wrapf(err, appErr.InternalError, "delete pod against control plane failed: %v", err)
	}
	return nil
}

// Delete removes the registry entry and releases its log sinks. Deleting an
// unknown pod is a no-op.
func (p *Provider) Delete(ctx context.Context, pod *corev1.Pod) error {
	ctx = logger.WithPod(ctx, pod.Namespace, pod.Name)
	key := PodKey(pod.Namespace, pod.Name)

	p.mu.Lock()
	entry, ok := p.handles[key]
	delete(p.handles, key)
	p.mu.Unlock()

	if !ok {
		logger.Info(ctx, "unable to find pod, it was likely already deleted")
		return nil
	}
	entry.release()
	logger.Debug(ctx, "pod removed")
	return nil
}

// Logs streams the named container's captured output into w. The caller owns
// w's lifecycle.
func (p *Provider) Logs(ctx context.Context, namespace, podName, containerName string, w io.Writer) error {
	p.mu.RLock()
	entry := p.handles[PodKey(namespace, podName)]
	p.mu.RUnlock()
	if entry == nil {
		return appErr.Newf(appErr.PodNotFound, "pod %q not found in namespace %q", podName, namespace)
	}
	handle, ok := entry.containers[containerName]
	if !ok {
		return appErr.Newf(appErr.ContainerNotFound, "container %q not found in pod %q", containerName, podName)
	}

	reader, err := handle.NewLogReader()
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	if _, err := io.Copy(w, reader); err != nil {
		return appErr.Wrapf(err, appErr.LogStreamFailed, "stream container logs failed: %v", err)
	}
	return nil
}

func releaseAll(handles map[string]*wasi.Handle) {
	for _, h := range handles {
		h.Release()
	}
}
