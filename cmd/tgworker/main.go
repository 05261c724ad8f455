package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Версия проставляется при сборке через -ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tgworker",
		Short: "Multi-tenant Telegram session worker",
		Long: `tgworker держит MTProto-сессии нескольких тенантов: QR-логин с 2FA,
пересылку входящих сообщений на вебхук и отправку исходящих через REST API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("env", "assets/.env", "path to .env file")
	rootCmd.AddCommand(
		serveCmd(),
		sessionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
