package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codexmgr/codexmgr/internal/gateway/serve"
	"github.com/codexmgr/codexmgr/pkg/logging"
	"github.com/codexmgr/codexmgr/pkg/version"
)

const (
	defaultStateDirName    = ".codex-mgr"
	defaultAccountsDirName = ".codex-accounts"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "codex-mgr: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		stateRoot    string
		accountsRoot string
		logLevel     string
	)

	root := &cobra.Command{
		Use:           "codex-mgr",
		Short:         "Multi-account gateway for an upstream chat backend",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logging.Reset(level)
			return nil
		},
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root.PersistentFlags().StringVar(&stateRoot, "state-root", filepath.Join(home, defaultStateDirName),
		"root directory for gateway state (config.toml)")
	root.PersistentFlags().StringVar(&accountsRoot, "accounts-root", filepath.Join(home, defaultAccountsDirName),
		"root directory for per-account credential homes")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve.Run(cmd.Context(), serve.Options{
				StateRoot:    stateRoot,
				AccountsRoot: accountsRoot,
			})
		},
	})

	return root
}
