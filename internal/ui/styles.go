// Package ui renders terminal output: semantic colours and per-recording
// status badges.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

var (
	renderer = lipgloss.NewRenderer(os.Stdout)

	passStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	failStyle   lipgloss.Style
	accentStyle lipgloss.Style
	mutedStyle  lipgloss.Style
	boldStyle   lipgloss.Style
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}
	buildStyles()
}

func buildStyles() {
	passStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"})
	warnStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"})
	failStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"})
	accentStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	boldStyle = renderer.NewStyle().Bold(true)
}

// SetOutput renders for w, detecting its colour support.
func SetOutput(w io.Writer) {
	renderer = lipgloss.NewRenderer(w)
	if os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}
	buildStyles()
}

// DisableColor forces plain output.
func DisableColor() {
	renderer.SetColorProfile(termenv.Ascii)
	buildStyles()
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// Level is the severity of a badge.
type Level int

const (
	LevelMuted Level = iota
	LevelAccent
	LevelPass
	LevelWarn
	LevelFail
)

// Badge is the short status shown next to a recording.
type Badge struct {
	Label string
	Level Level
}

// BadgeFor picks the one status that matters most for r. Failures win over
// progress, progress over steady states.
func BadgeFor(r *recording.Recording) Badge {
	switch {
	case r.ModerationStatus == recording.ModerationFailed:
		return Badge{"moderation failed", LevelFail}
	case r.SyncStatus == recording.SyncError:
		return Badge{"sync error", LevelFail}
	case r.SyncStatus == recording.SyncConflict:
		return Badge{"conflict", LevelWarn}
	case r.SyncStatus == recording.SyncSyncing:
		return Badge{"syncing", LevelAccent}
	case r.SyncStatus == recording.SyncPending && r.SyncError != "":
		return Badge{"retrying", LevelWarn}
	case r.PendingEdit:
		return Badge{"edit pending", LevelAccent}
	case r.ModerationStatus == recording.ModerationApproved:
		return Badge{"published", LevelPass}
	case r.ModerationStatus == recording.ModerationInModeration:
		return Badge{"in moderation", LevelWarn}
	case r.ModerationStatus == recording.ModerationProcessing:
		return Badge{"processing", LevelWarn}
	case r.HasFreesoundID():
		return Badge{"uploaded", LevelPass}
	case !recording.IsReadyForSync(r):
		return Badge{"needs details", LevelMuted}
	case r.SyncStatus == recording.SyncPending:
		return Badge{"queued", LevelAccent}
	default:
		return Badge{"local", LevelMuted}
	}
}

// Render styles the badge label by level.
func (b Badge) Render() string {
	switch b.Level {
	case LevelPass:
		return RenderPass(b.Label)
	case LevelWarn:
		return RenderWarn(b.Label)
	case LevelFail:
		return RenderFail(b.Label)
	case LevelAccent:
		return RenderAccent(b.Label)
	default:
		return RenderMuted(b.Label)
	}
}
