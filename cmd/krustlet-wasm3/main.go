package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/deislabs/krustlet-wasm3/internal/common/storage"
	"github.com/deislabs/krustlet-wasm3/internal/kubelet"
	"github.com/deislabs/krustlet-wasm3/internal/provider"
	"github.com/deislabs/krustlet-wasm3/internal/server"
	"github.com/deislabs/krustlet-wasm3/internal/store"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

const defaultConfigPath = "configs/krustlet.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := context.Background()

	client, err := buildKubeClient(appCfg.Kubeconfig)
	if err != nil {
		logger.Error(ctx, "init kubernetes client failed", zap.Error(err))
		return
	}

	moduleStore, err := buildModuleStore(appCfg)
	if err != nil {
		logger.Error(ctx, "init module store failed", zap.Error(err))
		return
	}

	p, err := provider.New(moduleStore, client, appCfg.DataDir, appCfg.StackSize)
	if err != nil {
		logger.Error(ctx, "init provider failed", zap.Error(err))
		return
	}

	httpServer := server.New(appCfg.Server, p)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "log server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()
	go func() {
		k := kubelet.New(client, p, appCfg.NodeName)
		if err := k.Run(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "kubelet loop stopped", zap.Error(err))
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
}

func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildModuleStore(cfg *AppConfig) (store.ModuleStore, error) {
	switch cfg.Store.Backend {
	case backendFile:
		return store.NewFileStore(cfg.Store.ModuleDir)
	case backendMinIO:
		objStorage, err := storage.NewMinIOStorage(cfg.Store.MinIO)
		if err != nil {
			return nil, err
		}
		cache := store.NewModuleCache(
			cfg.Store.Cache.RootDir,
			cfg.Store.Cache.TTL.Std(),
			cfg.Store.Cache.MaxEntries,
			cfg.Store.Cache.MaxBytes,
		)
		return store.NewObjectStore(cfg.Store.MinIO.Bucket, objStorage, cache)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
