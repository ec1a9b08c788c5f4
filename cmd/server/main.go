// Command server is the process entry point, wiring config → logger →
// runtime → router → graceful shutdown, in that order, matching the
// teacher's main.go.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/http2"

	"github.com/IMAGE-ET/Orthanc-2/config"
	"github.com/IMAGE-ET/Orthanc-2/internal/export"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
	"github.com/IMAGE-ET/Orthanc-2/internal/middleware"
	"github.com/IMAGE-ET/Orthanc-2/internal/router"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatalf("failed to load config: %v", err)
	}

	if err := logger.Init(logger.DefaultConfig()); err != nil {
		logger.Get().Fatalf("failed to init logger: %v", err)
	}

	rt, err := runtime.New(cfg.Database, cfg.Storage, cfg.Core)
	if err != nil {
		logger.Get().Fatalf("failed to start runtime: %v", err)
	}

	wireExport(rt, cfg)

	loggerMiddleware := middleware.NewLoggerMiddleware()
	r := router.New(loggerMiddleware, rt)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		var err error
		if cfg.Server.EnableHTTPS {
			srv.TLSConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
			if cfg.Server.EnableHTTP2 {
				if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
					logger.Get().Fatalf("failed to configure http2: %v", err)
				}
			}
			logger.Get().Infof("listening on %s (https, http2: %v)", srv.Addr, cfg.Server.EnableHTTP2)
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			logger.Get().Infof("listening on %s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Get().Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Get().Info("shutting down")

	// spec.md §5's shutdown order: stop accepting new work, wait for
	// in-flight requests, then unwind the runtime (fan-out worker,
	// database, attachment store).
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Get().Errorf("server forced to shut down: %v", err)
	}

	if err := rt.Close(); err != nil {
		logger.Get().Errorf("runtime shutdown error: %v", err)
	}

	logger.Get().Info("shutdown complete")
}

// wireExport registers an Exporter listener when cfg.Export names a
// provider, keeping the core free of any import-time dependency on
// internal/export (SPEC_FULL.md §C).
func wireExport(rt *runtime.Runtime, cfg *config.Config) {
	if cfg.Export.Provider == "" {
		return
	}

	destCfg := export.DestinationConfig{
		Name:      cfg.Export.Provider,
		Provider:  cfg.Export.Provider,
		Region:    cfg.Export.Region,
		Bucket:    cfg.Export.Bucket,
		AccessKey: cfg.Export.AccessKey,
		SecretKey: cfg.Export.SecretKey,
		Endpoint:  cfg.Export.Endpoint,
	}

	destination, err := export.NewDestination(destCfg)
	if err != nil {
		logger.Get().Warnf("export destination disabled: %v", err)
		return
	}

	exporter := &export.Exporter{
		DB:          rt.DB,
		Blobs:       rt.Blobs,
		Destination: destination,
		Name:        cfg.Export.Provider,
	}
	rt.RegisterListener(runtime.Listener{OnChange: exporter.OnChange})
}
