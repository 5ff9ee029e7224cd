package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"replybot/internal/config"
	"replybot/internal/logging"
)

var (
	cfgPath string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "replybot",
	Short:         "Automated, tone-aware replies to the X accounts you follow",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config %s: %w (run `replybot init` first)", cfgPath, err)
		}
		logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./replybot.yaml", "config path")
	rootCmd.AddCommand(initCmd, serveCmd, runOnceCmd, toneCmd, costCmd, scheduleCmd, accountCmd, connectCmd, postCmd, pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
