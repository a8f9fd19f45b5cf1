// Command tickserver is a staging tick server.
// Speaks the broker's binary streaming protocol so pnlengine can run against
// simulated quotes without real credentials. Each client receives quote
// packets only for the instruments it subscribed to, and 1-byte heartbeats
// while it has none.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR    listen address  (default: ":9001")
//	TICK_INTERVAL_MS    broadcast interval milliseconds (default: "500")
//	TICK_REQUIRE_AUTH   reject clients without api_key/access_token (default: "true")
//	LOG_LEVEL           debug, info, warn, error (default: "info")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trading-livepnl/internal/logger"
)

func main() {
	level, _ := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	log := logger.Init("tickserver", level)

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 500)) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub(newMarket(time.Now().UnixNano()), log)
	h.RequireAuth = os.Getenv("TICK_REQUIRE_AUTH") != "false"

	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx, interval) })
	g.Go(func() error {
		log.Info("listening", slog.String("addr", addr), slog.Duration("interval", interval))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("tickserver stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
