package sync

import (
	"context"

	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

// Callbacks is the local store as seen by the engine. The engine never
// mutates the store any other way; implementations serialize writes.
type Callbacks interface {
	// UpdateRecording writes the set and cleared fields of p.
	UpdateRecording(ctx context.Context, id int64, p recording.Patch) error

	// AddRecording stores a new recording and returns its id.
	AddRecording(ctx context.Context, r *recording.Recording) (int64, error)

	// DeleteRecording removes a recording.
	DeleteRecording(ctx context.Context, id int64) error

	// ListRecordings returns every local recording. The engine may modify
	// the returned values.
	ListRecordings(ctx context.Context) ([]*recording.Recording, error)
}

// UploadClaims is implemented by callbacks whose store is shared with
// processes that upload on their own (see UploadRecording). Passes skip
// records another process has claimed.
type UploadClaims interface {
	UploadClaimed(ctx context.Context, id int64) (bool, error)
}

// UploadStore is the store as used by UploadRecording.
type UploadStore interface {
	GetRecording(ctx context.Context, id int64) (*recording.Recording, error)
	UpdateRecording(ctx context.Context, id int64, p recording.Patch) error
	ClaimUpload(ctx context.Context, id int64) error
	ReleaseUpload(ctx context.Context, id int64) error
}

// CallbackFuncs adapts plain functions to Callbacks. Nil write functions are
// no-ops; a nil List returns no recordings.
type CallbackFuncs struct {
	Update func(ctx context.Context, id int64, p recording.Patch) error
	Add    func(ctx context.Context, r *recording.Recording) (int64, error)
	Delete func(ctx context.Context, id int64) error
	List   func(ctx context.Context) ([]*recording.Recording, error)
}

func (f CallbackFuncs) UpdateRecording(ctx context.Context, id int64, p recording.Patch) error {
	if f.Update == nil {
		return nil
	}
	return f.Update(ctx, id, p)
}

func (f CallbackFuncs) AddRecording(ctx context.Context, r *recording.Recording) (int64, error) {
	if f.Add == nil {
		return 0, nil
	}
	return f.Add(ctx, r)
}

func (f CallbackFuncs) DeleteRecording(ctx context.Context, id int64) error {
	if f.Delete == nil {
		return nil
	}
	return f.Delete(ctx, id)
}

func (f CallbackFuncs) ListRecordings(ctx context.Context) ([]*recording.Recording, error) {
	if f.List == nil {
		return nil, nil
	}
	return f.List(ctx)
}

// Remote is the subset of the Freesound API the engine uses.
// *freesound.Client implements it.
type Remote interface {
	UploadSound(ctx context.Context, req freesound.UploadRequest, correlationID string) (*freesound.UploadResponse, error)
	GetSoundsByTag(ctx context.Context, tag string) (*freesound.SearchResponse, error)
	GetPendingUploads(ctx context.Context) (*freesound.PendingUploads, error)
	DownloadSound(ctx context.Context, sound freesound.Sound) ([]byte, error)
	EditSound(ctx context.Context, freesoundID int64, req freesound.EditRequest) error
}

var _ Remote = (*freesound.Client)(nil)
