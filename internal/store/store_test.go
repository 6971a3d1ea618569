package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/deislabs/krustlet-wasm3/internal/common/storage"
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

func testPod(images ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "pod"},
	}
	for i, image := range images {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:  "c" + string(rune('0'+i)),
			Image: image,
		})
	}
	return pod
}

func TestModuleFileName(t *testing.T) {
	cases := map[string]string{
		"registry/app:v1": "registry_app_v1.wasm",
		"hello.wasm":      "hello.wasm",
		"hello":           "hello.wasm",
	}
	for image, want := range cases {
		if got := ModuleFileName(image); got != want {
			t.Errorf("ModuleFileName(%q) = %q, want %q", image, got, want)
		}
	}
}

func TestFileStoreFetch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "registry_app_v1.wasm"), []byte("module-bytes"), 0644); err != nil {
		t.Fatalf("seed module file: %v", err)
	}
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	modules, err := fs.FetchPodModules(context.Background(), testPod("registry/app:v1"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(modules["c0"]) != "module-bytes" {
		t.Fatalf("unexpected module bytes: %q", modules["c0"])
	}

	_, err = fs.FetchPodModules(context.Background(), testPod("registry/missing:v1"))
	if !appErr.IsCode(err, appErr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound for missing module, got %v", err)
	}
}

func TestModuleCacheFetchesOnce(t *testing.T) {
	cache := NewModuleCache(t.TempDir(), time.Minute, 8, 0)
	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("cached-bytes"), nil
	}

	for i := 0; i < 3; i++ {
		data, err := cache.Get(context.Background(), "registry/app:v1", fetch)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if string(data) != "cached-bytes" {
			t.Fatalf("unexpected bytes on get %d: %q", i, data)
		}
	}
	if fetches != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", fetches)
	}
}

func TestModuleCacheTTLExpiry(t *testing.T) {
	cache := NewModuleCache(t.TempDir(), time.Minute, 8, 0)
	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("cached-bytes"), nil
	}

	if _, err := cache.Get(context.Background(), "key", fetch); err != nil {
		t.Fatalf("get: %v", err)
	}
	// Force the entry past its deadline rather than sleeping. Expiry drops
	// both the index entry and the backing file, so the next get refetches.
	cache.mu.Lock()
	cache.entries["key"].expiresAt = time.Now().Add(-time.Second)
	cache.mu.Unlock()
	if _, err := cache.Get(context.Background(), "key", fetch); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("expected refetch after expiry, got %d fetches", fetches)
	}
}

func TestModuleCacheReusesWarmDisk(t *testing.T) {
	dir := t.TempDir()
	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("cached-bytes"), nil
	}

	warm := NewModuleCache(dir, time.Minute, 8, 0)
	if _, err := warm.Get(context.Background(), "key", fetch); err != nil {
		t.Fatalf("get: %v", err)
	}

	// A fresh cache over the same root adopts existing entry files instead of
	// refetching.
	cold := NewModuleCache(dir, time.Minute, 8, 0)
	data, err := cold.Get(context.Background(), "key", fetch)
	if err != nil {
		t.Fatalf("get on restarted cache: %v", err)
	}
	if string(data) != "cached-bytes" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	if fetches != 1 {
		t.Fatalf("expected on-disk entry reused, got %d fetches", fetches)
	}
}

func TestModuleCacheConcurrentDistinctKeys(t *testing.T) {
	cache := NewModuleCache(t.TempDir(), time.Minute, 8, 0)
	keys := []string{"registry/app:v1", "registry/app:v2"}

	var wg sync.WaitGroup
	errCh := make(chan error, len(keys))
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			fetch := func(ctx context.Context) ([]byte, error) {
				return []byte("bytes-for-" + key), nil
			}
			for i := 0; i < 500; i++ {
				data, err := cache.Get(context.Background(), key, fetch)
				if err != nil {
					errCh <- fmt.Errorf("get %q: %w", key, err)
					return
				}
				if string(data) != "bytes-for-"+key {
					errCh <- fmt.Errorf("key %q served foreign bytes %q", key, data)
					return
				}
				// Expire the entry so every iteration exercises the write path.
				cache.removeEntry(key)
			}
		}(key)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestModuleCacheLRUEviction(t *testing.T) {
	cache := NewModuleCache(t.TempDir(), time.Minute, 2, 0)
	fetch := func(data string) func(ctx context.Context) ([]byte, error) {
		return func(ctx context.Context) ([]byte, error) { return []byte(data), nil }
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, err := cache.Get(context.Background(), key, fetch(key)); err != nil {
			t.Fatalf("get %q: %v", key, err)
		}
	}

	cache.mu.Lock()
	_, aLive := cache.entries["a"]
	_, cLive := cache.entries["c"]
	cache.mu.Unlock()
	if aLive {
		t.Fatal("expected oldest entry evicted")
	}
	if !cLive {
		t.Fatal("expected newest entry retained")
	}
	if _, err := os.Stat(cache.entryPath("a")); !os.IsNotExist(err) {
		t.Fatalf("expected evicted entry file removed, stat err: %v", err)
	}
}

// fakeObjectStorage serves objects from an in-memory map.
type fakeObjectStorage struct {
	objects map[string][]byte
}

type fakeReader struct {
	*bytes.Reader
}

func (fakeReader) Close() error { return nil }

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, appErr.Newf(appErr.ObjectNotFound, "object %q not found", key)
	}
	return fakeReader{bytes.NewReader(data)}, nil
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, appErr.Newf(appErr.ObjectNotFound, "object %q not found", key)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func TestObjectStoreFetch(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("new zstd writer: %v", err)
	}
	compressed := enc.EncodeAll([]byte("compressed-module"), nil)
	enc.Close()

	fake := &fakeObjectStorage{objects: map[string][]byte{
		"app.wasm":     []byte("plain-module"),
		"app.wasm.zst": compressed,
		"empty.wasm":   nil,
	}}
	cache := NewModuleCache(t.TempDir(), time.Minute, 8, 0)
	objStore, err := NewObjectStore("modules", fake, cache)
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}

	modules, err := objStore.FetchPodModules(context.Background(), testPod("app.wasm"))
	if err != nil {
		t.Fatalf("fetch plain: %v", err)
	}
	if string(modules["c0"]) != "plain-module" {
		t.Fatalf("unexpected plain module bytes: %q", modules["c0"])
	}

	modules, err = objStore.FetchPodModules(context.Background(), testPod("app.wasm.zst"))
	if err != nil {
		t.Fatalf("fetch compressed: %v", err)
	}
	if string(modules["c0"]) != "compressed-module" {
		t.Fatalf("unexpected decompressed bytes: %q", modules["c0"])
	}

	_, err = objStore.FetchPodModules(context.Background(), testPod("missing.wasm"))
	if !appErr.IsCode(err, appErr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound, got %v", err)
	}

	_, err = objStore.FetchPodModules(context.Background(), testPod("empty.wasm"))
	if !appErr.IsCode(err, appErr.ObjectCorrupt) {
		t.Fatalf("expected ObjectCorrupt for empty object, got %v", err)
	}
}
