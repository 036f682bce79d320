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
	"time"

	"github.com/goliatone/go-tokenpool/adapters/gologger"
	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pool, its refresh scheduler and the operator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				return serve(ctx, a, out)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, a *app, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.loggers.For(gologger.ComponentHTTP)
	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	ops := &opsServer{
		facade:        a.facade,
		sessions:      a.sessions,
		gatherer:      a.registry,
		adminPassword: a.cfg.Security.AdminPassword,
		logger:        logger,
	}
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           ops.routes(),
		ReadHeaderTimeout: seconds(a.cfg.Server.ReadHeaderTimeoutSecs, 10*time.Second),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("operator api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	fmt.Fprintf(out, "tokenpool serving on %s\n", server.Addr)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("operator api: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(a.cfg.Server.ShutdownTimeoutSeconds, 15*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown operator api: %w", err)
	}
	return nil
}
