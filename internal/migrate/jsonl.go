// Package migrate moves recordings in and out of the local store as JSONL,
// one recording per line.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

// ExportRecord is the JSONL form of a recording. Audio holds the captured
// bytes (base64 in JSON) when the export includes audio.
type ExportRecord struct {
	recording.Recording
	Audio []byte `json:"audio,omitempty"`
}

// Lister provides the recordings to export.
type Lister interface {
	ListRecordings(ctx context.Context) ([]*recording.Recording, error)
}

// Target receives imported recordings. It is listed first so recordings
// already linked to a Freesound sound are not imported twice.
type Target interface {
	Lister
	AddRecording(ctx context.Context, r *recording.Recording) (int64, error)
}

// Result contains statistics about an import
type Result struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// Export writes every recording from src to w and returns how many were
// written.
func Export(ctx context.Context, src Lister, w io.Writer, withAudio bool) (int, error) {
	recs, err := src.ListRecordings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list recordings: %w", err)
	}

	enc := json.NewEncoder(w)
	for i, r := range recs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		rec := ExportRecord{Recording: *r}
		if withAudio {
			rec.Audio = r.Data
		}
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("failed to write recording %d: %w", r.ID, err)
		}
	}
	return len(recs), nil
}

// Import reads JSONL from r and adds each recording to dst. Ids are
// reassigned by dst. Per-record failures are collected in the result; only
// unreadable input or a failed listing of dst is returned as an error.
func Import(ctx context.Context, dst Target, r io.Reader) (*Result, error) {
	existing, err := dst.ListRecordings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	linked := make(map[int64]bool, len(existing))
	for _, rec := range existing {
		if rec.HasFreesoundID() {
			linked[rec.FreesoundID] = true
		}
	}

	result := &Result{Errors: []string{}}
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var rec ExportRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}

		if rec.HasFreesoundID() && linked[rec.FreesoundID] {
			result.Skipped++
			continue
		}

		in := rec.Recording
		in.ID = 0
		in.Data = rec.Audio
		// a pass in flight when the export was taken never finished
		if in.SyncStatus == recording.SyncSyncing {
			in.SyncStatus = recording.SyncPending
		}

		if _, err := dst.AddRecording(ctx, &in); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d (%q): %v", line, in.Name, err))
			continue
		}
		if in.HasFreesoundID() {
			linked[in.FreesoundID] = true
		}
		result.Imported++
	}
	return result, nil
}
