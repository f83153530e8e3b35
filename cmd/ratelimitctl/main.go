// Comando ratelimitctl inspeciona e mantém o estado persistido do rate limit de envios.
//
// Usa a mesma configuração (env/arquivo) do gateway, então aponta para o mesmo store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"form-gateway/internal/config"
	"form-gateway/internal/observability"
	"form-gateway/middleware/ratelimit/application"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session é o limiter aberto para um comando; close libera o store.
type session struct {
	limiter application.Limiter
	logger  *zap.Logger
	close   func()
}

type opener func(ctx context.Context) (*session, error)

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "ratelimitctl",
		Short:         "Inspeciona e mantém o estado do rate limit de envios",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "arquivo de configuração YAML (opcional)")
	pf.String("store", "", "file, sqlite, redis ou memory (RATE_STORE)")
	pf.String("store-path", "", "arquivo do estado (RATE_STORE_PATH)")
	pf.String("log-level", "", "debug, info, warn ou error (LOG_LEVEL)")
	for flag, key := range map[string]string{
		"store":      config.KeyStore,
		"store-path": config.KeyStorePath,
		"log-level":  config.KeyLogLevel,
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}

	open := func(context.Context) (*session, error) {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return nil, err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		logger, err := observability.NewLogger("ratelimitctl", cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		store, closeStore, err := config.OpenStore(cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		return &session{
			limiter: application.Limiter{Store: store, Policy: cfg.Policy, Logger: logger},
			logger:  logger,
			close: func() {
				_ = closeStore()
				_ = logger.Sync()
			},
		}, nil
	}

	root.AddCommand(
		newCheckCmd(open),
		newDumpCmd(open),
		newSweepCmd(open),
		newForgetCmd(open),
	)
	return root
}
