package store

import (
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	corev1 "k8s.io/api/core/v1"

	"github.com/deislabs/krustlet-wasm3/internal/common/storage"
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

const compressedSuffix = ".zst"

// ObjectStore serves modules from an S3-compatible bucket through a local
// disk cache. The container image reference is the object key; objects with
// a `.zst` suffix are zstd-compressed module binaries.
type ObjectStore struct {
	bucket  string
	storage storage.ObjectStorage
	cache   *ModuleCache
}

// NewObjectStore creates an object-backed store.
func NewObjectStore(bucket string, objStorage storage.ObjectStorage, cache *ModuleCache) (*ObjectStore, error) {
	if bucket == "" {
		return nil, appErr.Newf(appErr.ConfigInvalid, "module bucket is required")
	}
	if objStorage == nil {
		return nil, appErr.Newf(appErr.ConfigInvalid, "object storage client is required")
	}
	if cache == nil {
		return nil, appErr.Newf(appErr.ConfigInvalid, "module cache is required")
	}
	return &ObjectStore{bucket: bucket, storage: objStorage, cache: cache}, nil
}

func (s *ObjectStore) FetchPodModules(ctx context.Context, pod *corev1.Pod) (map[string][]byte, error) {
	modules := make(map[string][]byte, len(pod.Spec.Containers))
	for _, container := range pod.Spec.Containers {
		image := container.Image
		data, err := s.cache.Get(ctx, image, func(ctx context.Context) ([]byte, error) {
			return s.fetchObject(ctx, image)
		})
		if err != nil {
			return nil, err
		}
		modules[container.Name] = data
	}
	return modules, nil
}

func (s *ObjectStore) fetchObject(ctx context.Context, key string) ([]byte, error) {
	stat, err := s.storage.StatObject(ctx, s.bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ObjectNotFound, "module object %q not found: %v", key, err)
	}
	if stat.SizeBytes == 0 {
		return nil, appErr.Newf(appErr.ObjectCorrupt, "module object %q is empty", key)
	}

	obj, err := s.storage.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StoreUnreachable, "fetch module object %q failed", key)
	}
	defer func() {
		_ = obj.Close()
	}()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StoreUnreachable, "read module object %q failed", key)
	}
	if !strings.HasSuffix(key, compressedSuffix) {
		return raw, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalError, "init zstd decoder failed")
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ObjectCorrupt, "decompress module object %q failed", key)
	}
	return data, nil
}
