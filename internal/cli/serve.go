package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariel-frischer/chemflow/internal/server"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON HTTP API for a front end",
		Long: `Serve the workflow over a local JSON HTTP API:

  GET  /health                      liveness
  GET  /api/state                   stages, outputs, audit log
  GET  /api/stages                  stage table
  POST /api/stages/{stage}/run      run one stage (body: {"prompt": "..."})
  POST /api/stages/{stage}/confirm  confirm and advance
  PUT  /api/outputs/{key}           edit (body: {"value": "..."})
  POST /api/outputs/{key}/approve   approve an output
  GET  /api/turbo                   active and last turbo run
  POST /api/turbo                   start a turbo run (body: {"from": 3})
  POST /api/turbo/cancel            stop after the stage in flight
  GET  /api/export                  snapshot document
  POST /api/import                  load a snapshot document
  POST /api/reset                   start over

Errors are returned as {"error": "...", "kind": "..."}.`,
		Example: `  chemflow serve
  chemflow serve --addr 127.0.0.1:9090`,
		Args: exactArgs(0, "chemflow serve [--addr host:port]"),
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (default from server_addr)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	addr := sess.cfg.ServerAddr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := workflow.NewTurboPipeline(sess.executor, workflow.TurboOptions{
		Lock:  sess.lock,
		Debug: sess.cfg.Debug,
		Out:   sess.errOut,
	})
	api := server.New(sess.executor, pipeline, server.Options{
		BaseContext: ctx,
		AccessLog:   true,
		Debug:       sess.cfg.Debug,
		Out:         sess.errOut,
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	fmt.Fprintf(sess.out, "Serving chemflow API on http://%s (Ctrl+C to stop)\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", addr, err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	// ctx is done, so an active turbo run stops at its next stage boundary.
	pipeline.Cancel()
	api.Wait()
	fmt.Fprintln(sess.out, "Server stopped.")
	return nil
}
