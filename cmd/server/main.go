package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bpmncollab/internal/config"
	"bpmncollab/internal/models"
	"bpmncollab/internal/presence"
	"bpmncollab/internal/routers"
	"bpmncollab/internal/session"
	"bpmncollab/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exit           = os.Exit
	exitFunc       = defaultExit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("collab-svc stopped: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := utils.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	doc, err := cfg.InitialDocument(models.DefaultDiagram)
	if err != nil {
		return err
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithInitialDocument(doc),
		session.WithStrictElementLocks(cfg.StrictElementLocks),
		session.WithReleaseElementLocksOnDisconnect(cfg.ReleaseElementLocksOnDisconnect),
	}

	if cfg.RedisAddr != "" {
		pub := presence.NewRedisPublisher(cfg.RedisAddr, cfg.PresenceChannel, logger)
		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		if err := pub.Ping(pingCtx); err != nil {
			// events are dropped with a warning until redis comes up
			logger.Warn("presence feed unavailable", "addr", cfg.RedisAddr, "error", err.Error())
		}
		cancelPing()

		pubCtx, stopPub := context.WithCancel(context.Background())
		pubDone := make(chan struct{})
		go func() {
			defer close(pubDone)
			pub.Run(pubCtx)
		}()
		defer func() {
			stopPub()
			<-pubDone
			_ = pub.Close()
		}()
		opts = append(opts, session.WithNotifier(pub))
	}

	hub := session.NewHub(opts...)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           routers.New(logger, hub, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab-svc listening", "addr", srv.Addr, "wsPath", cfg.WSPath)
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("collab-svc shutting down", "clients", hub.ClientCount())
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
