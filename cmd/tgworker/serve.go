package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tgworker/internal/app"
	"tgworker/internal/infra/config"
	"tgworker/internal/infra/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and restore saved sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			envPath, _ := cmd.Flags().GetString("env")

			cfg, err := config.Load(envPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			env := cfg.Env

			logger.Init(env.LogLevel, logger.FileOptions{
				Path:       env.LogFile,
				Level:      env.LogFileLevel,
				MaxSizeMB:  env.LogFileMaxSize,
				MaxBackups: env.LogFileMaxBackups,
				MaxAgeDays: env.LogFileMaxAge,
				Compress:   env.LogFileCompress,
			})
			defer logger.Sync()
			for _, msg := range cfg.Warnings() {
				logger.Warn(msg)
			}

			// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := app.NewApp(cfg)
			if err := a.Init(); err != nil {
				logger.Error("app init failed", zap.Error(err))
				return err
			}
			if err := a.Run(ctx); err != nil {
				logger.Error("app run failed", zap.Error(err))
				return err
			}
			logger.Info("Graceful shutdown complete")
			return nil
		},
	}
}
