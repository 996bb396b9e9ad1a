package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tedsecretsource/sound-recorder/internal/migrate"
	"github.com/tedsecretsource/sound-recorder/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Export recordings as JSONL",
	Long: `Write every recording as one JSON object per line. Use "-" for stdout.
Audio is included (base64) only with --with-audio.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withAudio, _ := cmd.Flags().GetBool("with-audio")

		s := openStore()
		defer s.Close()

		var w io.Writer = os.Stdout
		if args[0] != "-" {
			// #nosec G304 - file named on the command line
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				fatalf("failed to create %s: %v", args[0], err)
			}
			defer f.Close()
			w = f
		}

		n, err := migrate.Export(context.Background(), s, w, withAudio)
		if err != nil {
			fatalf("%v", err)
		}
		if args[0] != "-" {
			fmt.Printf("%s Exported %d recordings to %s\n", ui.RenderPass("✓"), n, args[0])
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Import recordings from JSONL",
	Long: `Add recordings from a JSONL export. Ids are reassigned; recordings linked to
a Freesound sound that is already present locally are skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var r io.Reader = os.Stdin
		if args[0] != "-" {
			// #nosec G304 - file named on the command line
			f, err := os.Open(args[0])
			if err != nil {
				fatalf("failed to open %s: %v", args[0], err)
			}
			defer f.Close()
			r = f
		}

		s := openStore()
		defer s.Close()

		res, err := migrate.Import(context.Background(), s, r)
		if res != nil && res.Imported > 0 {
			notifyChanged()
		}
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Imported %d recordings", ui.RenderPass("✓"), res.Imported)
		if res.Skipped > 0 {
			fmt.Printf(", skipped %d already present", res.Skipped)
		}
		fmt.Println()
		for _, e := range res.Errors {
			fmt.Printf("   %s\n", ui.RenderFail(e))
		}
	},
}

func init() {
	exportCmd.Flags().Bool("with-audio", false, "Include audio data")

	rootCmd.AddCommand(exportCmd, importCmd)
}
