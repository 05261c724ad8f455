package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"tgworker/internal/adapters/telegram/session"
	"tgworker/internal/infra/config"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved tenant sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var dirFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants that have a saved session file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := dirFlag
			if root == "" {
				envPath, _ := cmd.Flags().GetString("env")
				cfg, err := config.Load(envPath)
				if err != nil {
					return errors.Wrap(err, "load config")
				}
				root = cfg.Env.SessionsDir
			}

			dir, err := session.NewDir(root)
			if err != nil {
				return err
			}
			ids, err := dir.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tSIZE\tMODIFIED")
			for _, id := range ids {
				info, err := os.Stat(dir.Path(id))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", id, info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dirFlag, "dir", "", "sessions directory (overrides SESSIONS_DIR)")
	return cmd
}
