package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/api"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve columns, pulls and code lookup over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.runServer(ctx)
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	c.bind(cmd.Flags(), map[string]string{"LISTEN_ADDR": "listen"})
	return cmd
}

func (c *cli) runServer(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	session, closeFn, err := c.open(ctx, client.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer closeFn()

	srv := &http.Server{
		Addr:              c.cfg.ListenAddr,
		Handler:           api.NewRouter(session, reg, c.log).SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info().Str("addr", srv.Addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	c.log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Abort pulls still waiting on the FHIR server so handlers can return
	session.Client.ClearPendingRequests()
	return srv.Shutdown(shutdownCtx)
}
