package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deskgate/deskgate/internal/errx"
	"github.com/deskgate/deskgate/pkg/events"
	"github.com/deskgate/deskgate/pkg/gateway"
	"github.com/deskgate/deskgate/pkg/history"
	"github.com/deskgate/deskgate/pkg/logging"
)

const shutdownGracePeriod = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket gateway",
	Long: `Run the browser-facing gateway: tunnels are created against the
configured backend proxy daemon, input events are reordered per tunnel,
and backend instructions are delivered over polling or WebSocket.`,
	Example: `  deskgate serve --listen :8080 --backend-host 127.0.0.1 --backend-port 4822
  deskgate serve --event-deadline 250ms --rate-limit 1048576
  deskgate serve --history-db /var/lib/deskgate/history.db --event-log /var/log/deskgate/events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("backend-host", "127.0.0.1", "Backend proxy daemon host")
	serveCmd.Flags().Int("backend-port", 4822, "Backend proxy daemon port")
	serveCmd.Flags().Duration("event-deadline", events.DefaultDeadline, "Ordered-event autoflush deadline")
	serveCmd.Flags().Int("rate-limit", 0, "Per-tunnel outbound rate limit in bytes/sec (0 = unlimited)")
	serveCmd.Flags().Duration("poll-timeout", 30*time.Second, "Instruction poll blocking timeout")
	serveCmd.Flags().Duration("session-timeout", 30*time.Minute, "Idle session eviction timeout")
	serveCmd.Flags().String("history-db", "", "Connection history sqlite path (empty = disabled)")
	serveCmd.Flags().String("event-log", "", "Structured event JSONL path (empty = disabled)")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("serve.backend-host", serveCmd.Flags().Lookup("backend-host"))
	viper.BindPFlag("serve.backend-port", serveCmd.Flags().Lookup("backend-port"))
	viper.BindPFlag("serve.event-deadline", serveCmd.Flags().Lookup("event-deadline"))
	viper.BindPFlag("serve.rate-limit", serveCmd.Flags().Lookup("rate-limit"))
	viper.BindPFlag("serve.poll-timeout", serveCmd.Flags().Lookup("poll-timeout"))
	viper.BindPFlag("serve.session-timeout", serveCmd.Flags().Lookup("session-timeout"))
	viper.BindPFlag("serve.history-db", serveCmd.Flags().Lookup("history-db"))
	viper.BindPFlag("serve.event-log", serveCmd.Flags().Lookup("event-log"))
	viper.BindPFlag("serve.log-level", serveCmd.Flags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(viper.GetString("serve.log-level"))

	emitter, err := newEmitter(viper.GetString("serve.event-log"))
	if err != nil {
		return err
	}
	if emitter != nil {
		defer emitter.Close()
	}

	var store *history.Store
	if path := viper.GetString("serve.history-db"); path != "" {
		store, err = history.Open(path)
		if err != nil {
			return errx.Wrap(ErrOpenHistoryDB, err)
		}
		defer store.Close()
	}

	backendAddr := net.JoinHostPort(
		viper.GetString("serve.backend-host"),
		strconv.Itoa(viper.GetInt("serve.backend-port")))

	gw := gateway.NewServer(gateway.Config{
		BackendAddr:    backendAddr,
		EventDeadline:  viper.GetDuration("serve.event-deadline"),
		RateLimit:      viper.GetInt("serve.rate-limit"),
		PollTimeout:    viper.GetDuration("serve.poll-timeout"),
		SessionTimeout: viper.GetDuration("serve.session-timeout"),
		Logger:         logger,
		Emitter:        emitter,
		History:        store,
	})
	defer gw.Close()

	listen := viper.GetString("serve.listen")
	httpSrv := &http.Server{
		Addr:    listen,
		Handler: gw.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	logger.Info("gateway listening", "addr", listen, "backend", backendAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errx.Wrap(ErrServe, err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return errx.Wrap(ErrServe, err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newEmitter(path string) (*logging.Emitter, error) {
	if path == "" {
		return nil, nil
	}
	w, err := logging.NewJSONLWriter(path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenEventLog, err)
	}
	gatewayID := "gw-" + uuid.New().String()[:8]
	return logging.NewEmitter(logging.EmitterConfig{GatewayID: gatewayID}, w), nil
}
