package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

func TestQueueUpload_Idempotent(t *testing.T) {
	e, _ := setupEngine(t, newFakeRemote(), nil)

	assert.True(t, e.IsQueueEmpty())
	for i := 0; i < 3; i++ {
		e.QueueUpload(7)
	}
	assert.Equal(t, 1, e.QueueLength())
	assert.False(t, e.IsQueueEmpty())

	e.QueueUpload(8)
	assert.Equal(t, []int64{7, 8}, e.QueuedIDs())
}

func TestPerformSync_NoCallbacks(t *testing.T) {
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, nil)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, res.Downloaded)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 0, remote.searches)
}

func TestPerformSync_MutualExclusion(t *testing.T) {
	store := newFakeStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	store.onList = func() {
		close(entered)
		<-release
	}
	e, _ := setupEngine(t, newFakeRemote(), store)

	done := make(chan error, 1)
	go func() {
		_, err := e.PerformSync(context.Background())
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached ListRecordings")
	}
	assert.True(t, e.IsSyncing())

	store.mu.Lock()
	store.onList = nil
	store.mu.Unlock()

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: []string{}}, res)
	assert.Equal(t, 1, store.ListCalls(), "second call must not read the store")

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.IsSyncing())
}

func TestPerformSync_FatalListError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("disk gone")
	e, _ := setupEngine(t, newFakeRemote(), store)

	_, err := e.PerformSync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.False(t, e.IsSyncing(), "running flag is released")

	store.listErr = nil
	_, err = e.PerformSync(context.Background())
	assert.NoError(t, err)
}

func TestPerformSync_FullUploadCycle(t *testing.T) {
	store := newFakeStore(readyRecording(1, "Field Recording A"))
	remote := newFakeRemote()
	e, clock := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Uploaded: 1, Downloaded: 0, Errors: []string{}}, res)

	uploads := remote.Uploads()
	require.Len(t, uploads, 1)
	req := uploads[0].req
	assert.Equal(t, "1", uploads[0].correlationID)
	assert.Equal(t, "Field Recording A", req.Name)
	assert.Equal(t, "birds at dawn", req.Description)
	assert.Equal(t, []string{"sync-tag", "field-recording", "sound-recorder"}, req.Tags)
	assert.Equal(t, DefaultLicense, req.License)
	assert.Equal(t, "Field_Recording_A.wav", req.FileName)
	assert.Equal(t, "audio/wav", req.ContentType)

	require.Len(t, store.updates, 2)
	assert.Equal(t, recording.SyncSyncing, store.updates[0].patch.SyncStatus.Value())

	last := store.updates[1].patch
	assert.Equal(t, int64(1), store.updates[1].id)
	assert.Equal(t, int64(555), last.FreesoundID.Value())
	assert.Equal(t, recording.SyncSynced, last.SyncStatus.Value())
	assert.Equal(t, recording.ModerationProcessing, last.ModerationStatus.Value())
	assert.True(t, last.SyncError.IsCleared())
	assert.Equal(t, clock.Now(), last.LastSyncedAt.Value())
	assert.Empty(t, store.deleted)
}

func TestPerformSync_ReadinessGating(t *testing.T) {
	store := newFakeStore(readyRecording(1, "2024-01-15 14:30:45"))
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.Empty(t, remote.Uploads())

	require.NoError(t, store.UpdateRecording(context.Background(), 1, recording.Patch{Name: recording.Set("My Field Recording")}))

	res, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	require.Len(t, remote.Uploads(), 1)
	assert.Equal(t, "My Field Recording", remote.Uploads()[0].req.Name)
}

func TestPerformSync_SkipsIneligible(t *testing.T) {
	noDescription := readyRecording(1, "Named")
	noDescription.Description = "   "
	noData := readyRecording(2, "Named")
	noData.Data = nil
	failed := readyRecording(3, "Named")
	failed.ModerationStatus = recording.ModerationFailed

	store := newFakeStore(noDescription, noData, failed)
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)
	for id := int64(1); id <= 4; id++ {
		e.QueueUpload(id)
	}

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.Empty(t, remote.Uploads())
	assert.True(t, e.IsQueueEmpty(), "ineligible and missing ids are dropped")
}

func TestPerformSync_QueueDrainedAfterUpload(t *testing.T) {
	store := newFakeStore(readyRecording(1, "A"), readyRecording(2, "B"))
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)
	e.QueueUpload(2)
	e.QueueUpload(1)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded, "each record is uploaded once")
	assert.Len(t, remote.Uploads(), 2)
	assert.True(t, e.IsQueueEmpty())
}

func TestPerformSync_UploadErrorIsolated(t *testing.T) {
	store := newFakeStore(readyRecording(1, "Broken"), readyRecording(2, "Fine"))
	remote := newFakeRemote()
	remote.uploadFn = func(req freesound.UploadRequest) (*freesound.UploadResponse, error) {
		if req.Name == "Broken" {
			return nil, &freesound.APIError{Op: "Upload", Status: 500, Body: "boom"}
		}
		return &freesound.UploadResponse{ID: 777}, nil
	}
	e, _ := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, []string{`Failed to upload "Broken": Upload failed: 500 - boom`}, res.Errors)

	broken := store.get(1)
	assert.Equal(t, recording.SyncError, broken.SyncStatus)
	assert.Equal(t, "Upload failed: 500 - boom", broken.SyncError)
	assert.Equal(t, int64(777), store.get(2).FreesoundID)
	assert.False(t, e.IsRateLimited())
}

func TestPerformSync_UnsupportedAudio(t *testing.T) {
	r := readyRecording(1, "Webm take")
	r.Data = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}
	r.MimeType = "audio/webm"
	store := newFakeStore(r)
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], `Failed to upload "Webm take": `))
	assert.Empty(t, remote.Uploads())
	assert.Equal(t, recording.SyncError, store.get(1).SyncStatus)
}

func TestPerformSync_RateLimitGate(t *testing.T) {
	store := newFakeStore(readyRecording(1, "A"), readyRecording(2, "B"))
	remote := newFakeRemote()
	remote.uploadFn = func(req freesound.UploadRequest) (*freesound.UploadResponse, error) {
		return nil, &freesound.RateLimitError{Op: "Upload", Attempts: 4}
	}
	e, clock := setupEngine(t, remote, store)
	e.QueueUpload(2)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Rate limited")
	assert.Len(t, remote.Uploads(), 1, "the phase stops at the first 429")
	assert.True(t, e.IsRateLimited())
	assert.Equal(t, 60, e.RateLimitWaitSeconds())
	assert.Equal(t, []int64{2}, e.QueuedIDs(), "deferred records stay queued")

	first := store.get(1)
	assert.Equal(t, recording.SyncPending, first.SyncStatus)
	assert.Equal(t, RateLimitedSyncError, first.SyncError)

	listCalls := store.ListCalls()
	res, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Rate limited")
	assert.Contains(t, res.Errors[0], "60 seconds")
	assert.Equal(t, listCalls, store.ListCalls(), "no store access during cooldown")
	assert.Len(t, remote.Uploads(), 1, "no network access during cooldown")

	clock.Advance(59500 * time.Millisecond)
	assert.Equal(t, 1, e.RateLimitWaitSeconds(), "wait is rounded up")

	clock.Advance(time.Second)
	assert.False(t, e.IsRateLimited())
	remote.uploadFn = nil

	res, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
}

func TestCooldownIsMonotonic(t *testing.T) {
	e, clock := setupEngine(t, newFakeRemote(), newFakeStore())

	e.startCooldown()
	until := e.RateLimitedUntil()

	clock.Advance(-30 * time.Second)
	e.startCooldown()
	assert.Equal(t, until, e.RateLimitedUntil(), "cooldown never moves back")

	clock.Advance(45 * time.Second)
	e.startCooldown()
	assert.True(t, e.RateLimitedUntil().After(until), "a later 429 extends the cooldown")
}

func TestPerformSync_RoundTripModeration(t *testing.T) {
	store := newFakeStore(&recording.Recording{ID: 1, Name: "Linked", FreesoundID: 12345, SyncStatus: recording.SyncSynced})
	remote := newFakeRemote()
	remote.pending = &freesound.PendingUploads{PendingProcessing: pendingIDs(12345)}
	e, _ := setupEngine(t, remote, store)

	_, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recording.ModerationProcessing, store.get(1).ModerationStatus)

	remote.pending = &freesound.PendingUploads{PendingModeration: pendingIDs(12345)}
	_, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recording.ModerationInModeration, store.get(1).ModerationStatus)

	remote.pending = &freesound.PendingUploads{}
	remote.sounds = []freesound.Sound{{ID: 12345, Name: "Linked"}}
	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recording.ModerationApproved, store.get(1).ModerationStatus)
	assert.Equal(t, 0, res.Downloaded, "linked sounds are not downloaded again")

	updates := len(store.updates)
	_, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, updates, len(store.updates), "unchanged status is not rewritten")
}

func TestPerformSync_ModerationPriority(t *testing.T) {
	tests := []struct {
		name       string
		stored     recording.ModerationStatus
		inRemote   bool
		processing bool
		moderation bool
		pendingErr error
		want       recording.ModerationStatus
	}{
		{"remote wins over pending", "", true, true, true, nil, recording.ModerationApproved},
		{"processing wins over moderation", "", false, true, true, nil, recording.ModerationProcessing},
		{"in moderation", recording.ModerationProcessing, false, false, true, nil, recording.ModerationInModeration},
		{"absent becomes failed", recording.ModerationInModeration, false, false, false, nil, recording.ModerationFailed},
		{"undefined absent becomes failed", "", false, false, false, nil, recording.ModerationFailed},
		{"absent without listing is unchanged", recording.ModerationProcessing, false, false, false, errors.New("503"), recording.ModerationProcessing},
		{"failed is never revisited", recording.ModerationFailed, false, true, false, nil, recording.ModerationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(&recording.Recording{ID: 1, Name: "Linked", FreesoundID: 42, ModerationStatus: tt.stored})
			remote := newFakeRemote()
			pending := &freesound.PendingUploads{}
			if tt.processing {
				pending.PendingProcessing = pendingIDs(42)
			}
			if tt.moderation {
				pending.PendingModeration = pendingIDs(42)
			}
			remote.pending = pending
			remote.pendingErr = tt.pendingErr
			if tt.inRemote {
				remote.sounds = []freesound.Sound{{ID: 42, Name: "Linked"}}
			}
			e, _ := setupEngine(t, remote, store)

			_, err := e.PerformSync(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.get(1).ModerationStatus)
			assert.Empty(t, store.deleted)
		})
	}
}

func TestPerformSync_DeletionSafety(t *testing.T) {
	t.Run("approved and vanished is deleted", func(t *testing.T) {
		store := newFakeStore(&recording.Recording{ID: 1, Name: "Gone", FreesoundID: 12345, ModerationStatus: recording.ModerationApproved})
		e, _ := setupEngine(t, newFakeRemote(), store)

		res, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, store.deleted)
		assert.Equal(t, 1, res.Deleted)
	})

	t.Run("processing and vanished is kept", func(t *testing.T) {
		store := newFakeStore(&recording.Recording{ID: 1, Name: "Slow", FreesoundID: 12345, ModerationStatus: recording.ModerationProcessing})
		e, _ := setupEngine(t, newFakeRemote(), store)

		_, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Empty(t, store.deleted)
		assert.NotNil(t, store.get(1))
	})

	t.Run("approved but still pending is kept", func(t *testing.T) {
		store := newFakeStore(&recording.Recording{ID: 1, Name: "Reprocessing", FreesoundID: 12345, ModerationStatus: recording.ModerationApproved})
		remote := newFakeRemote()
		remote.pending = &freesound.PendingUploads{PendingModeration: pendingIDs(12345)}
		e, _ := setupEngine(t, remote, store)

		_, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Empty(t, store.deleted)
		assert.Equal(t, recording.ModerationInModeration, store.get(1).ModerationStatus)
	})

	t.Run("no deletion without pending listing", func(t *testing.T) {
		store := newFakeStore(&recording.Recording{ID: 1, Name: "Unknown", FreesoundID: 12345, ModerationStatus: recording.ModerationApproved})
		remote := newFakeRemote()
		remote.pendingErr = errors.New("timeout")
		e, _ := setupEngine(t, remote, store)

		_, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Empty(t, store.deleted)
	})

	t.Run("no deletion or failure when search fails", func(t *testing.T) {
		store := newFakeStore(
			&recording.Recording{ID: 1, Name: "Live", FreesoundID: 111, ModerationStatus: recording.ModerationApproved},
			&recording.Recording{ID: 2, Name: "Just published", FreesoundID: 222, ModerationStatus: recording.ModerationProcessing},
		)
		remote := newFakeRemote()
		remote.searchErr = errors.New("search 503")
		e, _ := setupEngine(t, remote, store)

		res, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Deleted)
		assert.Empty(t, store.deleted)
		assert.Equal(t, recording.ModerationApproved, store.get(1).ModerationStatus)
		assert.Equal(t, recording.ModerationProcessing, store.get(2).ModerationStatus)

		remote.searchErr = nil
		remote.sounds = []freesound.Sound{{ID: 111, Name: "Live"}, {ID: 222, Name: "Just published"}}

		res, err = e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Downloaded)
		assert.Empty(t, remote.downloads)
		assert.Equal(t, recording.ModerationApproved, store.get(2).ModerationStatus)
	})
}

func TestPerformSync_DownloadCycle(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	remote.sounds = []freesound.Sound{{ID: 999, Name: "Remote Birds", Description: "from the web", Duration: 5.5, Type: "wav"}}
	e, clock := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []int64{999}, remote.downloads)

	require.Len(t, store.added, 1)
	added := store.added[0]
	assert.Equal(t, int64(999), added.FreesoundID)
	assert.Equal(t, "Remote Birds", added.Name)
	assert.Equal(t, "from the web", added.Description)
	assert.Equal(t, 5.5, added.Duration)
	assert.Equal(t, recording.SyncSynced, added.SyncStatus)
	assert.Equal(t, recording.ModerationApproved, added.ModerationStatus)
	assert.Equal(t, "audio/wav", added.MimeType)
	assert.Equal(t, wavData, added.Data)
	require.NotNil(t, added.LastSyncedAt)
	assert.Equal(t, clock.Now(), *added.LastSyncedAt)

	res, err = e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Downloaded, "second pass finds the local copy")
}

func TestPerformSync_DownloadErrorIsolated(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	remote.sounds = []freesound.Sound{{ID: 1, Name: "Bad"}, {ID: 2, Name: "Good"}}
	remote.downloadFn = func(s freesound.Sound) ([]byte, error) {
		if s.ID == 1 {
			return nil, &freesound.APIError{Op: "Download", Status: 404, Body: "missing"}
		}
		return wavData, nil
	}
	e, _ := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, []string{`Failed to download "Bad": Download failed: 404 - missing`}, res.Errors)
}

func TestPerformSync_PushEdits(t *testing.T) {
	edited := &recording.Recording{
		ID:               1,
		Name:             "Renamed",
		Description:      "new words",
		FreesoundID:      42,
		ModerationStatus: recording.ModerationApproved,
		PendingEdit:      true,
	}
	notApproved := &recording.Recording{
		ID:               2,
		Name:             "Waiting",
		FreesoundID:      43,
		ModerationStatus: recording.ModerationProcessing,
		PendingEdit:      true,
	}

	t.Run("success clears the flag", func(t *testing.T) {
		store := newFakeStore(edited, notApproved)
		remote := newFakeRemote()
		remote.sounds = []freesound.Sound{{ID: 42}}
		remote.pending = &freesound.PendingUploads{PendingProcessing: pendingIDs(43)}
		e, clock := setupEngine(t, remote, store)

		res, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Errors)
		assert.Equal(t, 1, res.Edited)
		require.Len(t, remote.edits, 1)
		assert.Equal(t, editCall{id: 42, req: freesound.EditRequest{Name: "Renamed", Description: "new words"}}, remote.edits[0])

		got := store.get(1)
		assert.False(t, got.PendingEdit)
		require.NotNil(t, got.LastSyncedAt)
		assert.Equal(t, clock.Now(), *got.LastSyncedAt)
		assert.True(t, store.get(2).PendingEdit, "only approved sounds are edited")
	})

	t.Run("failure keeps the flag", func(t *testing.T) {
		store := newFakeStore(edited)
		remote := newFakeRemote()
		remote.sounds = []freesound.Sound{{ID: 42}}
		remote.editErr = &freesound.APIError{Op: "Edit", Status: 403, Body: "forbidden"}
		e, _ := setupEngine(t, remote, store)

		res, err := e.PerformSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{`Failed to update "Renamed": Edit failed: 403 - forbidden`}, res.Errors)
		assert.True(t, store.get(1).PendingEdit)
	})
}

func TestPerformSync_SearchFailureDegrades(t *testing.T) {
	store := newFakeStore(readyRecording(1, "Still uploads"))
	remote := newFakeRemote()
	remote.searchErr = errors.New("search down")
	e, _ := setupEngine(t, remote, store)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, res.Errors, "degraded listings are not per-record errors")
	assert.Empty(t, remote.downloads)
}

func TestCallbackFuncs(t *testing.T) {
	var updated, deleted int64
	cb := CallbackFuncs{
		Update: func(ctx context.Context, id int64, p recording.Patch) error { updated = id; return nil },
		Delete: func(ctx context.Context, id int64) error { deleted = id; return nil },
	}

	require.NoError(t, cb.UpdateRecording(context.Background(), 3, recording.Patch{}))
	require.NoError(t, cb.DeleteRecording(context.Background(), 4))
	id, err := cb.AddRecording(context.Background(), &recording.Recording{})
	require.NoError(t, err)
	list, err := cb.ListRecordings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), updated)
	assert.Equal(t, int64(4), deleted)
	assert.Zero(t, id)
	assert.Empty(t, list)
}

func TestUpload_OutsidePass(t *testing.T) {
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)

	id, err := e.Upload(context.Background(), readyRecording(8, "Harbour"))
	require.NoError(t, err)
	assert.Equal(t, int64(555), id)

	uploads := remote.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "8", uploads[0].correlationID)
	assert.Equal(t, "Harbour.wav", uploads[0].req.FileName)
	assert.Contains(t, uploads[0].req.Tags, "sync-tag")
	assert.Empty(t, store.updates, "the store is left to the caller")

	notReady := readyRecording(9, "2024-01-15 14:30:45")
	_, err = e.Upload(context.Background(), notReady)
	assert.Error(t, err)

	remote.uploadFn = func(req freesound.UploadRequest) (*freesound.UploadResponse, error) {
		return nil, &freesound.RateLimitError{Op: "Upload", Attempts: 4}
	}
	_, err = e.Upload(context.Background(), readyRecording(10, "Gulls"))
	assert.True(t, freesound.IsRateLimited(err))
	assert.True(t, e.IsRateLimited(), "a 429 starts the cooldown")

	_, err = e.Upload(context.Background(), readyRecording(11, "Waves"))
	assert.ErrorIs(t, err, freesound.ErrRateLimited)
	assert.Len(t, remote.Uploads(), 2, "no request during cooldown")
}

func TestUploadRecording(t *testing.T) {
	t.Run("links on success", func(t *testing.T) {
		store := newFakeStore(readyRecording(8, "Harbour"))
		remote := newFakeRemote()
		e, clock := setupEngine(t, remote, store)

		id, err := e.UploadRecording(context.Background(), store, 8)
		require.NoError(t, err)
		assert.Equal(t, int64(555), id)

		require.NotEmpty(t, store.updates)
		assert.Equal(t, recording.Set(recording.SyncSyncing), store.updates[0].patch.SyncStatus, "marked syncing before sending")

		r := store.get(8)
		assert.Equal(t, int64(555), r.FreesoundID)
		assert.Equal(t, recording.SyncSynced, r.SyncStatus)
		assert.Equal(t, recording.ModerationProcessing, r.ModerationStatus)
		require.NotNil(t, r.LastSyncedAt)
		assert.True(t, r.LastSyncedAt.Equal(clock.Now()))
		assert.Equal(t, []int64{8}, store.releases)
		assert.Empty(t, store.claims)
	})

	t.Run("failure is recorded", func(t *testing.T) {
		store := newFakeStore(readyRecording(8, "Harbour"))
		remote := newFakeRemote()
		remote.uploadFn = func(req freesound.UploadRequest) (*freesound.UploadResponse, error) {
			return nil, errors.New("boom")
		}
		e, _ := setupEngine(t, remote, store)

		_, err := e.UploadRecording(context.Background(), store, 8)
		require.Error(t, err)

		r := store.get(8)
		assert.Equal(t, recording.SyncError, r.SyncStatus)
		assert.Equal(t, "boom", r.SyncError)
		assert.Zero(t, r.FreesoundID)
		assert.Equal(t, []int64{8}, store.releases)
	})

	t.Run("rate limit leaves it pending", func(t *testing.T) {
		store := newFakeStore(readyRecording(8, "Harbour"))
		remote := newFakeRemote()
		remote.uploadFn = func(req freesound.UploadRequest) (*freesound.UploadResponse, error) {
			return nil, &freesound.RateLimitError{Op: "Upload", Attempts: 4}
		}
		e, _ := setupEngine(t, remote, store)

		_, err := e.UploadRecording(context.Background(), store, 8)
		assert.ErrorIs(t, err, freesound.ErrRateLimited)

		r := store.get(8)
		assert.Equal(t, recording.SyncPending, r.SyncStatus)
		assert.Equal(t, RateLimitedSyncError, r.SyncError)
	})

	t.Run("claim refused", func(t *testing.T) {
		store := newFakeStore(readyRecording(8, "Harbour"))
		store.claimErr = errors.New("already claimed")
		remote := newFakeRemote()
		e, _ := setupEngine(t, remote, store)

		_, err := e.UploadRecording(context.Background(), store, 8)
		require.Error(t, err)
		assert.Empty(t, remote.Uploads())
		assert.Empty(t, store.updates)
		assert.Empty(t, store.releases)
	})

	t.Run("not ready", func(t *testing.T) {
		store := newFakeStore(readyRecording(8, "2024-01-15 14:30:45"))
		remote := newFakeRemote()
		e, _ := setupEngine(t, remote, store)

		_, err := e.UploadRecording(context.Background(), store, 8)
		require.Error(t, err)
		assert.Empty(t, remote.Uploads())
		assert.Empty(t, store.updates)
		assert.Equal(t, []int64{8}, store.releases)
	})
}

func TestPerformSync_SkipsClaimedRecordings(t *testing.T) {
	store := newFakeStore(readyRecording(1, "Elsewhere"), readyRecording(2, "Here"))
	store.claims[1] = true
	remote := newFakeRemote()
	e, _ := setupEngine(t, remote, store)
	e.QueueUpload(1)

	res, err := e.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	uploads := remote.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "2", uploads[0].correlationID)
	assert.Zero(t, store.get(1).FreesoundID)
	assert.Empty(t, store.get(1).SyncStatus)
}
