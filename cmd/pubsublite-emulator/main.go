// Command pubsublite-emulator serves the pubsublite stream protocol over gRPC
// and, optionally, an authenticated websocket endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgrzl/pubsublite/internal/config"
	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/node"
	"github.com/fgrzl/pubsublite/pkg/transport/grpckit"
	"github.com/fgrzl/pubsublite/pkg/transport/wskit"
	"github.com/lmittmann/tint"
	"google.golang.org/grpc"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.LogLevel()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    cfg.Log.NoColor,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("emulator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	factory, err := cfg.StoreFactory()
	if err != nil {
		return err
	}
	manager := node.NewNodeManager(factory, &node.NodeManagerOptions{
		Subscriptions: cfg.Subscriptions,
		Authorize:     wskit.Authorize,
		Metrics:       m,
	})
	defer manager.Close()

	errs := make(chan error, 3)

	listener, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	grpckit.RegisterStreamServer(grpcServer, manager)
	go func() { errs <- grpcServer.Serve(listener) }()
	// Subscribe streams tail until cancelled, so a graceful stop would never finish.
	defer grpcServer.Stop()
	slog.Info("grpc listening", slog.String("addr", listener.Addr().String()), slog.String("backend", cfg.Storage.Backend))

	var servers []*http.Server
	if cfg.WebSocket.Enabled {
		validator, err := cfg.Validator()
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.WebSocket.Path, wskit.NewWebSocketServer(manager, validator))
		servers = append(servers, serveHTTP(cfg.WebSocket.ListenAddr, mux, errs))
		slog.Info("websocket listening", slog.String("addr", cfg.WebSocket.ListenAddr), slog.String("path", cfg.WebSocket.Path))
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, serveHTTP(cfg.Metrics.ListenAddr, mux, errs))
		slog.Info("metrics listening", slog.String("addr", cfg.Metrics.ListenAddr))
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Warn("http shutdown failed", slog.String("addr", server.Addr), "error", shutdownErr)
		}
	}
	return err
}

func serveHTTP(addr string, handler http.Handler, errs chan<- error) *http.Server {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	return server
}
