package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tedsecretsource/sound-recorder/internal/config"
	"github.com/tedsecretsource/sound-recorder/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show or create the configuration file",
	Long: `Settings come from, lowest priority first: built-in defaults, the config
file, RECORDER_* environment variables (e.g. RECORDER_SYNC_TAG), then flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		data, err := cfg.Render(format)
		if err != nil {
			fatalf("%v", err)
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "# %s\n", used)
		}
		_, _ = os.Stdout.Write(data)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(config.Dir(), "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Default().WriteFile(path); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
