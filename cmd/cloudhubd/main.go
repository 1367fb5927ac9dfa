package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scalesync/internal/artifact"
	"scalesync/internal/config"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/syncserver"
)

// The hub is a station that never closes: same store, same wire contract,
// plus backup intake and S3-backed artifact storage.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	self := models.DeviceIdentity{ID: models.CloudDeviceID, Name: "cloud-hub"}

	st, err := store.Open(cfg.DatabasePath, self)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	var artifacts artifact.Store
	storageConfigured := false
	if cfg.S3.Bucket != "" {
		s3Store, err := artifact.NewS3Store(context.Background(), cfg.S3)
		if err != nil {
			logger.Errorf("open s3 artifact store: %v", err)
			os.Exit(1)
		}
		artifacts = s3Store
		storageConfigured = true
		logger.Infof("artifacts backed by s3 bucket %s", cfg.S3.Bucket)
	} else {
		fileStore, err := artifact.NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
		if err != nil {
			logger.Errorf("open artifact store: %v", err)
			os.Exit(1)
		}
		artifacts = fileStore
		logger.Warnf("no s3 bucket configured, artifacts stored locally; stations will refuse to sync")
	}

	handler := syncserver.NewHandler(st, artifacts, logger, storageConfigured, true)
	router := syncserver.NewRouter(syncserver.RouterConfig{
		AuthToken:    cfg.AuthToken,
		RateLimitRPS: cfg.RateLimitRPS,
	}, handler)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Infof("cloud hub listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
