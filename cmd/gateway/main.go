package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	cfg "github.com/fabian4/regex-gateway/internal/config"
	fwd "github.com/fabian4/regex-gateway/internal/forward"
	"github.com/fabian4/regex-gateway/internal/handler"
	"github.com/fabian4/regex-gateway/internal/logging"
	"github.com/fabian4/regex-gateway/internal/metrics"
	"github.com/fabian4/regex-gateway/internal/plugin"
	"github.com/fabian4/regex-gateway/internal/ratelimit"
	"github.com/fabian4/regex-gateway/internal/router"
	"github.com/fabian4/regex-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "./config/default.yaml", "path to YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	pluginDir := flag.String("plugin-dir", "", "directory relative plugin paths are resolved against")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Fatalf("env file %s: %v", *envFile, err)
	}

	c, err := cfg.Load(*configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logs, err := logging.New(c.Logging, os.Stdout)
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}
	defer func() { _ = logs.Close() }()
	log := logs.App

	rt, err := router.New(c.Routes)
	if err != nil {
		log.Fatalf("routes: %v", err)
	}

	m := metrics.New()
	reg := plugin.NewRegistry(plugin.SharedObjectLoader{Dir: *pluginDir}, log, m)
	transports := fwd.NewDefaultTransports()
	gw := handler.NewGateway(
		rt,
		plugin.NewPipeline(reg, log),
		fwd.NewForwarder(transports, c.Timeouts.Upstream, log, m),
		ratelimit.New(c.Routes),
		logs,
		m,
	)
	gw.DumpRequest = c.Logging.DumpRequest
	gw.DumpResponse = c.Logging.DumpResponse

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          newServerErrorLog(log),
	}
	log.WithFields(logrus.Fields{
		"version": version.Value,
		"listen":  c.Listen,
		"routes":  rt.Len(),
	}).Info("gateway started")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	var msrv *http.Server
	if c.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		msrv = &http.Server{Addr: c.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics listener: %v", err)
			}
		}()
		log.WithField("listen", c.Metrics).Info("metrics listener started")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if msrv != nil {
		_ = msrv.Shutdown(shutdownCtx)
	}
	transports.CloseIdle()
}
