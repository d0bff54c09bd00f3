// Package main provides the dataflow HTTP server: run payloads and saved
// flows, manage the flow store and expose health and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/flowgraph/dataflow/internal/config"
	"github.com/flowgraph/dataflow/internal/infrastructure/logging"
	"github.com/flowgraph/dataflow/internal/infrastructure/metrics"
	"github.com/flowgraph/dataflow/pkg/dataflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("DATAFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create logger")
	}

	collector := metrics.New(true)
	rt, err := dataflow.New(context.Background(), cfg,
		dataflow.WithLogger(logger),
		dataflow.WithMetrics(collector),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to start runtime")
	}
	defer rt.Close()

	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(rt, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("starting dataflow server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wm.stop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
