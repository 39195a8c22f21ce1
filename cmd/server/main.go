package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/groupchat/internal/config"
	"github.com/yourusername/groupchat/internal/logging"
	"github.com/yourusername/groupchat/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "Development backend for the group chat client",
	RunE:  runServer,
}

var (
	flagConfig   string
	flagAddr     string
	flagDataPath string
	flagSeed     string
	flagLogLevel string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "optional YAML config file")
	flags.StringVar(&flagAddr, "addr", "", "HTTP listen address (default :5176)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory to persist chat history via PebbleDB; empty keeps it in memory")
	flags.StringVar(&flagSeed, "seed", "", "YAML file with users and groups; empty uses the built-in seed")
	flags.StringVar(&flagLogLevel, "log-level", "", "trace, debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute server command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDataPath != "" {
		cfg.DataDir = flagDataPath
	}
	if flagSeed != "" {
		cfg.SeedPath = flagSeed
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed, err := server.LoadSeed(cfg.SeedPath)
	if err != nil {
		return err
	}
	store, err := server.OpenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(cfg, seed, store)
	if err != nil {
		_ = store.Close()
		return err
	}

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("users", len(seed.Users)).Int("groups", len(seed.Groups)).Msg("[server] listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = srv.Close()
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("[server] http server shutdown error")
	}
	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("[server] store close error")
	}
	log.Info().Msg("[server] shutdown complete")
	return nil
}
