package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpchat-project/rpchat/internal/chat"
)

func main() {
	port := flag.Int("p", 9001, "chat server listen port")
	logPath := flag.String("l", "", "redirect logs to this file instead of stdout")
	workers := flag.Int("workers", 4, "worker pool size")
	connTimeout := flag.Duration("idle-timeout", 60*time.Second, "disconnect clients idle longer than this")
	auditInterval := flag.Duration("audit-interval", 10*time.Second, "how often to scan for idle clients")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	flag.Parse()

	var logWriter *os.File = os.Stdout
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o744)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = f
	}

	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	addr := fmt.Sprintf(":%d", *port)
	srv := chat.NewServer(chat.Config{
		Addr:          addr,
		Workers:       *workers,
		ConnTimeout:   *connTimeout,
		AuditInterval: *auditInterval,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("signal received, shutting down")
	_ = metricsSrv.Close()
	srv.Stop()
}
