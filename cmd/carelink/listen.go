package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/credentials"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/presence"
	"github.com/HMasataka/carelink/pkg/realtime"
	"github.com/HMasataka/carelink/pkg/streaming"
	"github.com/HMasataka/carelink/pkg/transport/websocket"
)

var (
	listenToken       string
	listenURL         string
	listenMetricsAddr string
)

var listenCmd = &cobra.Command{
	Use:   "listen [rooms...]",
	Short: "Connect, join rooms and print events",
	Long: `Connects to the realtime server, joins the given rooms (or realtime.rooms
from the config) and prints chat messages, typing, presence and completed
AI responses until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms := args
		if len(rooms) == 0 {
			rooms = cfg.Realtime.Rooms
		}
		return runListen(cmd.Context(), cmd.OutOrStdout(), rooms)
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVar(&listenToken, "token", "", "token to store before connecting")
	listenCmd.Flags().StringVar(&listenURL, "url", "", "overrides realtime.url")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve client metrics on this address")
}

func newStore(ctx context.Context) (credentials.Store, func(), error) {
	if cfg.Credentials.File == "" {
		return credentials.NewMemoryStore(cfg.Credentials.Token), func() {}, nil
	}

	opts := []credentials.FileOption{credentials.WithLogger(logging.FromContext(ctx))}
	key, sealed, err := cfg.Credentials.SealKey()
	if err != nil {
		return nil, nil, err
	}
	if sealed {
		opts = append(opts, credentials.WithKey(key))
	}

	store, err := credentials.NewFileStore(cfg.Credentials.File, opts...)
	if err != nil {
		return nil, nil, err
	}

	if _, err := store.Token(ctx); errors.Is(err, credentials.ErrNoToken) && cfg.Credentials.Token != "" {
		if err := store.SetToken(ctx, cfg.Credentials.Token); err != nil {
			return nil, nil, err
		}
	}

	if err := store.Start(ctx); err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func runListen(ctx context.Context, out io.Writer, rooms []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.FromContext(ctx)

	store, closeStore, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if listenToken != "" {
		if err := store.SetToken(ctx, listenToken); err != nil {
			return err
		}
	}

	url := cfg.Realtime.URL
	if listenURL != "" {
		url = listenURL
	}

	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)
	if listenMetricsAddr != "" {
		go serveMetrics(ctx, listenMetricsAddr, reg)
	}

	client := realtime.New(websocket.NewDialer(url, logger, websocket.DefaultConnOptions()), store,
		realtime.WithLogger(logger),
		realtime.WithMetrics(metrics),
		realtime.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout),
		realtime.WithReconnect(cfg.Realtime.ReconnectBaseDelay, cfg.Realtime.ReconnectMaxDelay, cfg.Realtime.MaxReconnectAttempts),
		realtime.WithJitter(cfg.Realtime.Jitter),
		realtime.WithLaneBuffer(cfg.Realtime.LaneBuffer),
	)
	defer client.Close()
	client.Bus().Start(ctx)

	tracker := presence.NewTracker(presence.Options{TypingTimeout: cfg.Realtime.TypingTimeout}, logger)
	defer tracker.Attach(client.Bus())()
	tracker.Start(ctx)
	defer tracker.Stop()

	assembler, err := streaming.NewAssembler(streaming.Options{MaxRetained: cfg.Realtime.MaxRetainedStreams}, logger)
	if err != nil {
		return err
	}
	defer assembler.Attach(client.Bus())()

	p := &printer{out: out}
	defer client.OnNewMessage(p.message)()
	defer tracker.Watch(p.change)()
	defer assembler.WatchAll(p.update)()
	defer client.OnStateChange(p.state)()

	gaveUp := make(chan domain.GaveUp, 1)
	defer client.OnGaveUp(func(g domain.GaveUp) {
		select {
		case gaveUp <- g:
		default:
		}
	})()

	if err := client.Connect(ctx, ""); err != nil {
		return err
	}
	for _, room := range rooms {
		if err := client.JoinRoom(ctx, room); err != nil {
			return err
		}
	}
	logger.Info("listening", "url", url, "rooms", rooms, "user_id", client.UserID())

	select {
	case <-ctx.Done():
		return nil
	case g := <-gaveUp:
		return fmt.Errorf("gave up after %d reconnect attempts: %w", g.Attempts, g.Err)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.FromContext(ctx).Error("metrics server failed", "addr", addr, "error", err)
	}
}
