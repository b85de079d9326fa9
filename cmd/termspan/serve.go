package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/termspan/termspan/internal/auth"
	"github.com/termspan/termspan/internal/config"
	"github.com/termspan/termspan/internal/gateway"
	"github.com/termspan/termspan/internal/logger"
	"github.com/termspan/termspan/internal/relay"
	"github.com/termspan/termspan/internal/session"
	"github.com/termspan/termspan/internal/store"
)

func serveCmd() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFlag != "" {
				loaded, err := config.Load(configFlag)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			log := logger.Log

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			if n, err := st.SweepLive(); err != nil {
				return fmt.Errorf("sweep stale sessions: %w", err)
			} else if n > 0 {
				log.Info("swept stale sessions from previous run", "count", n)
			}

			au, err := auth.New(st, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("init auth: %w", err)
			}

			reg := session.NewRegistry()
			hub := relay.NewHub(reg, log)
			hub.OnExit = func(sessionID string, exitCode int) {
				if err := st.MarkExited(sessionID, exitCode); err != nil {
					log.Warn("mark exited failed", "session", sessionID, "err", err)
				}
			}

			gw := gateway.New(gateway.Options{
				Registry:          reg,
				Hub:               hub,
				Auth:              au,
				Store:             st,
				Log:               log,
				AllowedOrigins:    cfg.Server.AllowedOrigins,
				MessagesPerSecond: cfg.Limits.MessagesPerSecond,
				MessageBurst:      cfg.Limits.MessageBurst,
				TokenTTL:          cfg.Auth.TokenTTL,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configFlag != "" {
				go watchConfig(ctx, configFlag)
			}

			srv := &http.Server{
				Addr:    cfg.Server.Listen,
				Handler: gw,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", cfg.Server.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				gw.CloseConns()
				for _, sess := range reg.List() {
					sess.Terminate(2 * time.Second)
				}
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", envOr("TERMSPAN_CONFIG", ""), "Path to config file")
	return cmd
}

// watchConfig re-reads the config on change and applies what can change at
// runtime (currently the log level).
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log.Warn("config watch unavailable", "err", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Log.Warn("config watch failed", "path", path, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				logger.Log.Warn("config reload failed", "err", err)
				continue
			}
			logger.SetLevel(cfg.Logging.Level)
			logger.Log.Info("config reloaded", "level", cfg.Logging.Level)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("config watch error", "err", err)
		}
	}
}
