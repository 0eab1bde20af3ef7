package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calcheck/internal/config"
	"calcheck/internal/google"
	"calcheck/internal/scheduler"
	"calcheck/internal/store"
	"calcheck/internal/syncer"
	"calcheck/internal/web"
)

func main() {
	app := &cli.App{
		Name:  "calcheck",
		Usage: "Sync Google Calendar events into a local checklist store.",
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			tokenFile := cfg.GoogleTokenFile
			if tokenFile == "" {
				tokenFile = "token.json"
			}
			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run one sync pass and exit (the default)."},
			&cli.BoolFlag{Name: "watch", Usage: "Keep running, syncing on the configured interval."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would change without writing anything."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			s, st, err := buildSyncer(c.Context, logger, cfg, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer st.Close()

			if !c.Bool("watch") {
				logger.Info("Running a single sync pass.")
				report := s.Run(c.Context)
				if report.Fatal != "" {
					return fmt.Errorf("sync pass failed: %s", report.Fatal)
				}
				return nil
			}

			sched, err := scheduler.New(logger, s, cfg.SyncInterval)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			logger.Info("Watching for changes.", "interval", cfg.SyncInterval)
			return waitForShutdown(c.Context, logger)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with background synchronization.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			s, st, err := buildSyncer(c.Context, logger, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			sched, err := scheduler.New(logger, s, cfg.SyncInterval)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			server := &http.Server{
				Addr:    cfg.Listen,
				Handler: web.New(logger, st, s, cfg.LookBehind, cfg.LookAhead).Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening.", "addr", cfg.Listen)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			case <-shutdownSignal(c.Context):
			}

			logger.Info("Shutting down.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func buildSyncer(ctx context.Context, logger *slog.Logger, cfg config.Settings, dryRun bool) (*syncer.Syncer, *store.Store, error) {
	if !cfg.HasCredentials() {
		return nil, nil, fmt.Errorf("google credentials not configured: set GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and a refresh token or token file")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	client, err := google.NewClient(ctx, logger, google.Credentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RefreshToken: cfg.GoogleRefreshToken,
		TokenFile:    cfg.GoogleTokenFile,
	}, cfg.GoogleCalendarID)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to create google client: %w", err)
	}

	s := syncer.New(logger, client, st, syncer.Options{
		LookBehind:         cfg.LookBehind,
		LookAhead:          cfg.LookAhead,
		RecheckParsedItems: cfg.RecheckParsedItems,
		DryRun:             dryRun,
	})
	return s, st, nil
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) error {
	<-shutdownSignal(ctx)
	logger.Info("Shutting down.")
	return nil
}

// shutdownSignal closes the returned channel on SIGINT/SIGTERM or when the
// context is cancelled.
func shutdownSignal(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
		case <-ctx.Done():
		}
		close(done)
	}()
	return done
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
