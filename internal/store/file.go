package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"

	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

// FileStore serves modules from a local directory. A container image
// reference `registry/app:v1` maps to `registry_app_v1.wasm` under the
// module directory. Used for development and tests.
type FileStore struct {
	moduleDir string
}

// NewFileStore creates a file-backed store rooted at moduleDir.
func NewFileStore(moduleDir string) (*FileStore, error) {
	if moduleDir == "" {
		return nil, appErr.Newf(appErr.ConfigInvalid, "module directory is required")
	}
	if err := os.MkdirAll(moduleDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "create module directory failed")
	}
	return &FileStore{moduleDir: moduleDir}, nil
}

func (s *FileStore) FetchPodModules(ctx context.Context, pod *corev1.Pod) (map[string][]byte, error) {
	modules := make(map[string][]byte, len(pod.Spec.Containers))
	for _, container := range pod.Spec.Containers {
		path := filepath.Join(s.moduleDir, ModuleFileName(container.Image))
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, appErr.Newf(appErr.ObjectNotFound, "no module file for image %q", container.Image)
			}
			return nil, appErr.Wrapf(err, appErr.StoreUnreachable, "read module file for image %q failed", container.Image)
		}
		modules[container.Name] = data
	}
	return modules, nil
}

// ModuleFileName maps an image reference to a flat file name.
func ModuleFileName(image string) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(image)
	if strings.HasSuffix(name, ".wasm") {
		return name
	}
	return name + ".wasm"
}
