package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tedsecretsource/sound-recorder/internal/audio"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
	"github.com/tedsecretsource/sound-recorder/internal/store"
	"github.com/tedsecretsource/sound-recorder/internal/ui"
)

var recordingsCmd = &cobra.Command{
	Use:     "recordings",
	Aliases: []string{"rec"},
	GroupID: "recordings",
	Short:   "List, add, edit and delete local recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings with their sync status",
	Long: `List local recordings, oldest first, with a status badge per recording.

Examples:
  recorder recordings list
  recorder recordings list --since "last monday"
  recorder recordings list --status error`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := store.Filter{SkipData: true, SyncStatus: recording.SyncStatus(status)}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			filter.Since = t
		}

		s := openStore()
		defer s.Close()

		recs, err := s.ListRecordingsFiltered(context.Background(), filter)
		if err != nil {
			fatalf("failed to list recordings: %v", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(recs); err != nil {
				fatalf("failed to encode recordings: %v", err)
			}
			return
		}

		if len(recs) == 0 {
			fmt.Println(ui.RenderMuted("No recordings"))
			return
		}
		for _, r := range recs {
			fmt.Println(formatRecording(r))
		}
	},
}

var recordingsAddCmd = &cobra.Command{
	Use:   "add <audio-file>",
	Short: "Add an audio file as a new recording",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// #nosec G304 - file named on the command line
		data, err := os.ReadFile(args[0])
		if err != nil {
			fatalf("failed to read %s: %v", args[0], err)
		}

		mime := ""
		if f, ok := audio.ByExt(filepath.Ext(args[0])); ok {
			mime = f.ContentType
		}
		format, err := audio.Detect(data, mime)
		if err != nil {
			fatalf("%s: %v", args[0], err)
		}

		name, _ := cmd.Flags().GetString("name")
		if strings.TrimSpace(name) == "" {
			name = recording.DefaultName(time.Now())
		}
		description, _ := cmd.Flags().GetString("description")
		category, _ := cmd.Flags().GetString("category")

		s := openStore()
		defer s.Close()

		r := &recording.Recording{
			Name:        name,
			Description: description,
			BSTCategory: category,
			Data:        data,
			MimeType:    format.ContentType,
		}
		id, err := s.AddRecording(context.Background(), r)
		if err != nil {
			fatalf("failed to add recording: %v", err)
		}
		notifyChanged()

		fmt.Printf("%s Added recording %d (%s)\n", ui.RenderPass("✓"), id, name)
		if !recording.IsReadyForSync(r) {
			fmt.Printf("   %s\n", ui.RenderMuted("Give it a name and description to upload it: recorder recordings edit "+strconv.FormatInt(id, 10)))
		}
	},
}

var recordingsEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit the name, description or category of a recording",
	Long: `Edit a recording. Without flags, an interactive form is shown when running
in a terminal. Edits to published recordings are pushed to Freesound on the
next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])
		ctx := context.Background()

		s := openStore()
		defer s.Close()

		r, err := s.GetRecording(ctx, id)
		if err != nil {
			fatalf("recording %d: %v", id, err)
		}

		name, description, category := r.Name, r.Description, r.BSTCategory
		flagged := cmd.Flags().Changed("name") || cmd.Flags().Changed("description") || cmd.Flags().Changed("category")
		switch {
		case flagged:
			if cmd.Flags().Changed("name") {
				name, _ = cmd.Flags().GetString("name")
			}
			if cmd.Flags().Changed("description") {
				description, _ = cmd.Flags().GetString("description")
			}
			if cmd.Flags().Changed("category") {
				category, _ = cmd.Flags().GetString("category")
			}
		case term.IsTerminal(int(os.Stdin.Fd())):
			if err := editForm(&name, &description, &category).Run(); err != nil {
				fatalf("edit cancelled: %v", err)
			}
		default:
			fatalf("nothing to change; pass --name, --description or --category")
		}

		p := recording.EditPatch(r, strings.TrimSpace(name), description)
		if category != r.BSTCategory {
			p.BSTCategory = recording.Set(category)
		}
		if p.IsEmpty() {
			fmt.Println(ui.RenderMuted("No changes"))
			return
		}
		if err := s.UpdateRecording(ctx, id, p); err != nil {
			fatalf("failed to update recording %d: %v", id, err)
		}
		notifyChanged()

		fmt.Printf("%s Updated recording %d\n", ui.RenderPass("✓"), id)
		if p.PendingEdit.IsSet() {
			fmt.Printf("   %s\n", ui.RenderAccent("The change will be pushed to Freesound on the next sync"))
		}
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a local recording",
	Long: `Delete a local recording. The Freesound copy, if any, is not touched; a
sound still tagged by the app is downloaded again on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		s := openStore()
		defer s.Close()

		if err := s.DeleteRecording(context.Background(), id); err != nil {
			fatalf("failed to delete recording %d: %v", id, err)
		}
		notifyChanged()
		fmt.Printf("%s Deleted recording %d\n", ui.RenderPass("✓"), id)
	},
}

func editForm(name, description, category *string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Value(name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(description),
			huh.NewInput().
				Title("Category").
				Description("Freesound BST category code, optional").
				Value(category),
		),
	)
}

func formatRecording(r *recording.Recording) string {
	badge := ui.BadgeFor(r)
	line := fmt.Sprintf("%4d  %-18s %s  %s", r.ID, badge.Render(), r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Name)
	if r.FreesoundID != 0 {
		line += ui.RenderMuted(fmt.Sprintf("  #%d", r.FreesoundID))
	}
	if r.SyncError != "" {
		line += "\n      " + ui.RenderFail(r.SyncError)
	}
	return line
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid recording id %q", s)
	}
	return id
}

// parseSince accepts a date, an RFC 3339 time or a natural expression such
// as "yesterday" or "2 weeks ago".
func parseSince(text string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	res, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q", text)
	}
	return res.Time, nil
}

func init() {
	recordingsListCmd.Flags().String("since", "", "Only recordings created after this time (e.g. \"yesterday\", 2024-01-15)")
	recordingsListCmd.Flags().String("status", "", "Only recordings with this sync status (pending, syncing, synced, error, conflict)")
	recordingsListCmd.Flags().Bool("json", false, "Output JSON")

	recordingsAddCmd.Flags().String("name", "", "Recording name (default: the current time)")
	recordingsAddCmd.Flags().String("description", "", "Recording description")
	recordingsAddCmd.Flags().String("category", "", "Freesound BST category code")

	recordingsEditCmd.Flags().String("name", "", "New name")
	recordingsEditCmd.Flags().String("description", "", "New description")
	recordingsEditCmd.Flags().String("category", "", "New Freesound BST category code")

	recordingsCmd.AddCommand(recordingsListCmd, recordingsAddCmd, recordingsEditCmd, recordingsDeleteCmd)
	rootCmd.AddCommand(recordingsCmd)
}
