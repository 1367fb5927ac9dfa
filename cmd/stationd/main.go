package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"scalesync/internal/artifact"
	"scalesync/internal/backup"
	"scalesync/internal/config"
	"scalesync/internal/discovery"
	"scalesync/internal/engine"
	"scalesync/internal/logging"
	"scalesync/internal/models"
	"scalesync/internal/store"
	"scalesync/internal/syncserver"
	"scalesync/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	self, err := config.LoadIdentity(cfg.DataDir, cfg.DeviceName)
	if err != nil {
		logger.Errorf("load device identity: %v", err)
		os.Exit(1)
	}
	logger.Infof("station %s (%s) starting", self.Name, self.ID)

	st, err := store.Open(cfg.DatabasePath, self)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	artifacts, err := artifact.NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		logger.Errorf("open artifact store: %v", err)
		os.Exit(1)
	}

	httpClient := transport.NewHTTPClient(30 * time.Second)

	var cloud transport.Transport
	var uploader transport.BackupUploader
	if cfg.Cloud.Enabled {
		if cfg.Cloud.BaseURL == "" {
			logger.Warnf("cloud sync enabled but base_url is empty")
		} else {
			ct := transport.NewHTTP(httpClient, cfg.Cloud.BaseURL, cfg.Cloud.Token, models.CloudDeviceID, self)
			cloud = ct
			uploader = ct
		}
	}

	port, _ := strconv.Atoi(cfg.Port)
	desc := models.PeerDescriptor{
		ID:           self.ID,
		Name:         self.Name,
		Port:         port,
		ActivationID: cfg.ActivationID,
	}
	disc := discovery.New(desc, cfg.Sync.DiscoveryPort, st, logger)

	eng := engine.New(engine.Options{
		Store:      st,
		Self:       self,
		Artifacts:  artifacts,
		Log:        logger,
		PageSize:   cfg.Sync.PageSize,
		Cloud:      cloud,
		Discoverer: disc,
		DialPeer: func(p models.PeerDescriptor) transport.Transport {
			return transport.NewHTTPForPeer(httpClient, p, cfg.AuthToken, self)
		},
		DiscoveryTimeout: time.Duration(cfg.Sync.DiscoveryTimeoutMS) * time.Millisecond,
	})

	handler := syncserver.NewHandler(st, artifacts, logger, true, false)
	router := syncserver.NewRouter(syncserver.RouterConfig{
		AuthToken:    cfg.AuthToken,
		RateLimitRPS: cfg.RateLimitRPS,
	}, handler)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	if err := disc.Advertise(bgCtx); err != nil {
		logger.Warnf("discovery advertise failed: %v", err)
	}
	go eng.Run(bgCtx, time.Duration(cfg.Sync.IntervalSeconds)*time.Second)

	go func() {
		logger.Infof("sync server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	bgCancel()

	// End of day: one last round within the closing budget, then a backup if
	// the hub is reachable, then shut the server down.
	budget := time.Duration(cfg.Sync.ClosingBudgetSecond) * time.Second
	eng.ClosingSync(context.Background(), budget)
	if uploader != nil {
		bctx, bcancel := context.WithTimeout(context.Background(), budget)
		if _, err := backup.New(st, artifacts, self, uploader, logger).Run(bctx); err != nil {
			logger.Warnf("closing backup failed: %v", err)
		}
		bcancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
