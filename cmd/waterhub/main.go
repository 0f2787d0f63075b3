// Command waterhub is the watering controller backend: a single static
// binary hosting the Session Hub, Command Router, Alarm Engine, and HTTP
// surface behind two subcommands, serve and migrate.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/watering-systems/waterhub/internal/api"
	"github.com/watering-systems/waterhub/internal/config"
	"github.com/watering-systems/waterhub/internal/store"
)

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "waterhub",
		Short: "Remote watering controller backend",
	}

	f := rootCmd.PersistentFlags()
	f.String("listen-addr", ":3000", "address the HTTP/WebSocket server listens on")
	f.String("db-path", "waterhub.db", "path to the SQLite database file")
	f.String("env", "development", "environment tag (development, production, ...)")

	_ = viper.BindPFlag("listen_addr", f.Lookup("listen-addr"))
	_ = viper.BindPFlag("db_path", f.Lookup("db-path"))
	_ = viper.BindPFlag("env", f.Lookup("env"))

	viper.SetEnvPrefix("WATERHUB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server, Session Hub, and Alarm Engine",
		RunE:  runServe,
	}
}

func runServe(*cobra.Command, []string) error {
	log := newLogger()
	cfg := config.Load()

	log.Info().Str("env", cfg.Env).Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("waterhub starting")

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	server, err := api.New(api.Config{ListenAddr: cfg.ListenAddr}, st, log)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(*cobra.Command, []string) error {
			log := newLogger()
			cfg := config.Load()
			if err := store.Migrate(cfg.DBPath); err != nil {
				log.Error().Err(err).Msg("migration failed")
				return err
			}
			log.Info().Str("db", cfg.DBPath).Msg("migrations applied")
			return nil
		},
	}
}
