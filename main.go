package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/web-casa/casastack/internal/agent"
	"github.com/web-casa/casastack/internal/auth"
	"github.com/web-casa/casastack/internal/config"
	"github.com/web-casa/casastack/internal/database"
	"github.com/web-casa/casastack/internal/docker"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/handler"
	"github.com/web-casa/casastack/internal/process"
	"github.com/web-casa/casastack/internal/settings"
	"github.com/web-casa/casastack/internal/socket"
	"github.com/web-casa/casastack/internal/stack"
	"github.com/web-casa/casastack/internal/terminal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:          "casastack",
		Short:        "Manage docker compose stacks on this host and on connected agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Int("port", 5001, "HTTP port")
	flags.String("hostname", "", "bind address")
	flags.String("data-dir", "./data", "data directory")
	flags.String("stacks-dir", "/opt/stacks", "directory holding the stacks")
	flags.Bool("enable-console", false, "allow the main console terminal")
	flags.String("docker-bin", "docker", "docker CLI binary")
	flags.String("docker-host", "", "docker engine endpoint")
	flags.String("ssl-key", "", "TLS key file")
	flags.String("ssl-cert", "", "TLS certificate file")
	flags.String("log-level", "info", "debug, info, warn or error")
	for _, name := range []string{
		"port", "hostname", "data-dir", "stacks-dir", "enable-console",
		"docker-bin", "docker-host", "ssl-key", "ssl-cert", "log-level",
	} {
		v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the manager (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), v)
			},
		},
		newResetPasswordCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), handler.Version)
				return err
			},
		},
	)
	return rootCmd
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Warn("database close", "err", err)
		}
	}()
	st := settings.NewStore(db)
	authSvc := auth.NewService(db, st, logger)
	defer authSvc.Close()

	terms := terminal.NewRegistry(logger)
	stacks := stack.NewRegistry(cfg.StacksDir, cfg.DockerBin, process.NewExecRunner(logger), terms, st, logger)

	deps := handler.Deps{
		Config:    cfg,
		Auth:      authSvc,
		Settings:  st,
		Stacks:    stacks,
		Terminals: terms,
		Agents:    agent.NewStore(db, socket.Dial, logger),
		Bus:       eventbus.New(logger),
		Logger:    logger,
	}
	if dc, err := docker.NewClient(cfg.DockerHost); err != nil {
		logger.Warn("docker engine API unavailable, network list disabled", "err", err)
	} else {
		defer dc.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := dc.Ping(pctx); err != nil {
			logger.Warn("docker daemon is not reachable", "err", err)
		}
		cancel()
		deps.Docker = dc
	}

	srv := handler.New(deps)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start jobs: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := srv.Engine()
	setupFrontend(engine, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("casastack starting", "addr", cfg.Addr(), "stacks_dir", cfg.StacksDir, "version", handler.Version)
		if cfg.SSLCert != "" && cfg.SSLKey != "" {
			errCh <- httpSrv.ListenAndServeTLS(cfg.SSLCert, cfg.SSLKey)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return nil
}

func newResetPasswordCmd(v *viper.Viper) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password read from stdin and end every session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close(db)
			svc := auth.NewService(db, settings.NewStore(db), logger)
			defer svc.Close()

			password, err := readPassword(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			user, err := svc.ResetPassword(username, password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Password of %s has been reset.\n", user.Username)
			return err
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "user to reset, defaults to the first user")
	return cmd
}

// readPassword reads the new password and its confirmation, one per line.
func readPassword(in io.Reader, out io.Writer) (string, error) {
	r := bufio.NewReader(in)
	read := func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	password, err := read("New Password: ")
	if err != nil {
		return "", err
	}
	confirm, err := read("Confirm New Password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

// setupFrontend serves the web client from frontend-dist if it exists
func setupFrontend(r *gin.Engine, logger *slog.Logger) {
	distPath := "frontend-dist"

	if _, err := os.Stat(distPath); os.IsNotExist(err) {
		logger.Warn("frontend dist not found, serving the API only", "path", distPath)
		return
	}

	r.Static("/assets", filepath.Join(distPath, "assets"))
	r.StaticFile("/favicon.ico", filepath.Join(distPath, "favicon.ico"))

	// SPA fallback: serve index.html for all non-API, non-asset routes
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path

		if strings.HasPrefix(path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "error_key": "error.not_found"})
			return
		}

		filePath := filepath.Join(distPath, filepath.Clean("/"+path))
		if fi, err := os.Stat(filePath); err == nil && !fi.IsDir() {
			c.File(filePath)
			return
		}

		c.File(filepath.Join(distPath, "index.html"))
	})

	logger.Info("serving frontend", "path", distPath)
}
