package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/panelworks/fieldops/internal/api"
	"github.com/panelworks/fieldops/internal/dispatch"
	"github.com/panelworks/fieldops/internal/outreach"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gap-fill dispatch API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		loc, err := cfg.Dispatch.Location()
		if err != nil {
			return err
		}
		templates, err := outreach.LoadTemplates(cfg.Dispatch.TemplatesPath)
		if err != nil {
			return err
		}

		engine := dispatch.NewEngine(st, loc,
			dispatch.WithParams(cfg.Dispatch.Params()),
			dispatch.WithTemplates(templates),
		)
		server := api.NewServer(engine)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(cfg.Server),
		}

		// Graceful shutdown with a drain window; the signal context is
		// already cancelled by the time Shutdown runs.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
