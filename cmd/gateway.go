package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/glm-gateway/internal/config"
	"github.com/nextlevelbuilder/glm-gateway/internal/gateway"
	"github.com/nextlevelbuilder/glm-gateway/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runServe wires config → upstream client → gateway server and blocks until
// SIGINT/SIGTERM, then shuts down gracefully — the same signal-driven
// shutdown shape the teacher's runGateway uses, stripped of everything this
// gateway's single HTTP endpoint doesn't need (channels, cron, scheduler,
// sandboxes, skills watcher).
func runServe() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if verbose || cfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := gateway.InitTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		slog.Error("otel tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("otel tracing shutdown failed", "error", err)
		}
	}()

	client := upstream.NewHTTPClient(
		cfg.UpstreamBaseURL,
		&http.Client{Timeout: 0},
		upstream.EnvTokenSource{EnvVar: "PROXY_UPSTREAM_TOKEN"},
		cfg.UpstreamModel,
	)

	server := gateway.NewServer(cfg, client, upstream.EphemeralChatStore{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
	time.Sleep(50 * time.Millisecond) // let in-flight log lines flush
}
