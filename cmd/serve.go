package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/speedybat/internal/handlers"
	"github.com/lehigh-university-libraries/speedybat/internal/media"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port string
	var staticDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start web server for the annotation interface",
		Long: `Starts the SpeedyBat web interface on the specified port.

Open a folder of spectrogram images in the browser and annotate them with the
configured keyboard shortcuts. Saves that hit a locked annotations file are
retried in the background; every open session is saved on shutdown.`,
		Example: `  # Start server on default port 8888
  speedybat serve

  # Start server on custom port with a project config
  speedybat serve --port 3000 --config ./survey.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts, err := cfg.SessionOptions()
			if err != nil {
				return err
			}
			bindings, err := cfg.Bindings()
			if err != nil {
				return err
			}

			handler := handlers.New(handlers.Config{
				Session:   opts,
				Bindings:  bindings,
				AdvanceOn: cfg.AdvanceFields(),
				Opener:    media.SystemOpener{},
				StaticDir: staticDir,
			})

			// Set up routes
			mux := http.NewServeMux()
			mux.HandleFunc("/api/sessions", handler.HandleSessions)
			mux.HandleFunc("/api/sessions/", handler.HandleSessionDetail)
			mux.HandleFunc("/media/", handler.HandleMedia)
			mux.HandleFunc("/", handler.HandleStatic)
			mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
				if _, err := w.Write([]byte("OK")); err != nil {
					slog.Error("Unable to write healthcheck", "err", err)
				}
			})

			addr := "localhost:" + port
			server := &http.Server{
				Addr:    addr,
				Handler: mux,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("SpeedyBat interface available", "addr", addr, "url", "http://"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
				}
				// sessions are saved with a fresh deadline so lock retries can finish
				saveCtx, cancelSave := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancelSave()
				if err := handler.Sessions().CloseAll(saveCtx); err != nil {
					slog.Error("Unable to save every session", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				if cerr := handler.Sessions().CloseAll(context.Background()); cerr != nil {
					return errors.Join(err, cerr)
				}
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8888", "Port to listen on")
	cmd.Flags().StringVar(&staticDir, "static", "static", "Directory holding the web interface")

	return cmd
}
