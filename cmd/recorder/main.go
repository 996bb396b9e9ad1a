// Command recorder manages local recordings and keeps them in sync with
// Freesound.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tedsecretsource/sound-recorder/internal/config"
	"github.com/tedsecretsource/sound-recorder/internal/logging"
)

var (
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config

	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "recorder",
	Short: "Record sounds locally and sync them with Freesound",
	Long: `recorder keeps a local library of audio recordings and reconciles it with
your Freesound account: named and described recordings are uploaded, sounds
tagged by the app on other devices are downloaded, and moderation results
are tracked per recording.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		if err := v.BindPFlag("storage.path", cmd.Flags().Lookup("db")); err != nil {
			return err
		}
		if err := config.Read(v, cfgFile != ""); err != nil {
			return err
		}
		loaded, err := config.Decode(v)
		if err != nil {
			return err
		}
		cfg = loaded

		quiet, _ := cmd.Flags().GetBool("quiet")
		closeLog, err = logging.Setup(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Quiet:      quiet,
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: "+config.Dir()+"/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Path to the recordings database")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only log to the log file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "recordings", Title: "Recordings:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
