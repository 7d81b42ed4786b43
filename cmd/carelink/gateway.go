package main

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/gateway"
)

var gatewayTokens map[string]string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the reference gateway",
	Long: `Serves the websocket gateway on /ws together with /healthz and /metrics.
Tokens come from gateway.tokens in the config file, CARELINK_GATEWAY_TOKENS
or repeated --token flags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().StringToStringVar(&gatewayTokens, "token", nil, "token=user pairs accepted by the gateway")
}

func runGateway(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.FromContext(ctx)

	tokens := make(map[string]string)
	maps.Copy(tokens, cfg.Gateway.Tokens)
	maps.Copy(tokens, gatewayTokens)
	if len(tokens) == 0 {
		return errors.New("no gateway tokens configured")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := gateway.NewServer(gateway.StaticTokens(tokens),
		gateway.WithLogger(logger),
		gateway.WithRegistry(reg),
		gateway.WithHandshakeTimeout(cfg.Gateway.HandshakeTimeout),
	)

	httpServer := &http.Server{
		Addr:         cfg.Gateway.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		IdleTimeout:  cfg.Gateway.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", httpServer.Addr, "users", len(tokens))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
