package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

// setupTestStore opens a store in a temporary directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "recordings.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addTestRecording(t *testing.T, s *Store, r *recording.Recording) int64 {
	t.Helper()

	id, err := s.AddRecording(context.Background(), r)
	if err != nil {
		t.Fatalf("Failed to add recording: %v", err)
	}
	return id
}

func TestAddAndGetRecording(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	synced := time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)
	id := addTestRecording(t, s, &recording.Recording{
		Name:             "Field Recording A",
		Description:      "birds at dawn",
		BSTCategory:      "fx-a",
		Data:             []byte("RIFFdata"),
		MimeType:         "audio/wav",
		Duration:         12.5,
		FreesoundID:      555,
		SyncStatus:       recording.SyncSynced,
		LastSyncedAt:     &synced,
		ModerationStatus: recording.ModerationProcessing,
	})
	require.NotZero(t, id)

	got, err := s.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Field Recording A", got.Name)
	assert.Equal(t, "birds at dawn", got.Description)
	assert.Equal(t, "fx-a", got.BSTCategory)
	assert.Equal(t, []byte("RIFFdata"), got.Data)
	assert.Equal(t, "audio/wav", got.MimeType)
	assert.Equal(t, 12.5, got.Duration)
	assert.Equal(t, int64(555), got.FreesoundID)
	assert.Equal(t, recording.SyncSynced, got.SyncStatus)
	assert.Equal(t, recording.ModerationProcessing, got.ModerationStatus)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, synced.Equal(*got.LastSyncedAt))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAddRecording_Invalid(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.AddRecording(context.Background(), &recording.Recording{Name: "  "})
	assert.Error(t, err)
}

func TestAddRecording_DuplicateFreesoundID(t *testing.T) {
	s := setupTestStore(t)

	addTestRecording(t, s, &recording.Recording{Name: "a", FreesoundID: 9})
	_, err := s.AddRecording(context.Background(), &recording.Recording{Name: "b", FreesoundID: 9})
	assert.Error(t, err, "freesound ids are unique")

	// Records without a freesound id do not collide.
	addTestRecording(t, s, &recording.Recording{Name: "c"})
	addTestRecording(t, s, &recording.Recording{Name: "d"})
}

func TestGetRecording_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRecording(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateRecording(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := addTestRecording(t, s, &recording.Recording{
		Name:        "2024-01-15 14:30:45",
		Description: "birds",
		SyncStatus:  recording.SyncError,
		SyncError:   "Upload failed: 500 - boom",
	})

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateRecording(ctx, id, recording.UploadedPatch(555, now)))

	got, err := s.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(555), got.FreesoundID)
	assert.Equal(t, recording.SyncSynced, got.SyncStatus)
	assert.Equal(t, "", got.SyncError, "sync error cleared")
	assert.Equal(t, recording.ModerationProcessing, got.ModerationStatus)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, now.Equal(*got.LastSyncedAt))

	// Unchanged fields stay put.
	assert.Equal(t, "2024-01-15 14:30:45", got.Name)
	assert.Equal(t, "birds", got.Description)

	require.NoError(t, s.UpdateRecording(ctx, id, recording.Patch{
		ModerationStatus: recording.Clear[recording.ModerationStatus](),
		LastSyncedAt:     recording.Clear[time.Time](),
		PendingEdit:      recording.Set(true),
	}))
	got, err = s.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, recording.ModerationStatus(""), got.ModerationStatus)
	assert.Nil(t, got.LastSyncedAt)
	assert.True(t, got.PendingEdit)
}

func TestUpdateRecording_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.UpdateRecording(ctx, 99, recording.Patch{Name: recording.Set("x")})
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, s.UpdateRecording(ctx, 99, recording.Patch{}), "empty patch is a no-op")

	id := addTestRecording(t, s, &recording.Recording{Name: "x"})
	err = s.UpdateRecording(ctx, id, recording.Patch{SyncStatus: recording.Set(recording.SyncStatus("bogus"))})
	assert.Error(t, err)
}

func TestDeleteRecording(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id := addTestRecording(t, s, &recording.Recording{Name: "x"})
	require.NoError(t, s.DeleteRecording(ctx, id))
	require.NoError(t, s.DeleteRecording(ctx, id), "delete is idempotent")

	_, err := s.GetRecording(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRecordingsFiltered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	addTestRecording(t, s, &recording.Recording{Name: "old", CreatedAt: old, SyncStatus: recording.SyncSynced, Data: []byte("a")})
	addTestRecording(t, s, &recording.Recording{Name: "new", SyncStatus: recording.SyncError, Data: []byte("b")})
	addTestRecording(t, s, &recording.Recording{Name: "newer", Data: []byte("c")})

	all, err := s.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "old", all[0].Name, "oldest first")

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"since", Filter{Since: time.Now().Add(-time.Hour)}, []string{"new", "newer"}},
		{"status", Filter{SyncStatus: recording.SyncError}, []string{"new"}},
		{"limit", Filter{Limit: 1}, []string{"old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRecordingsFiltered(ctx, tt.filter)
			require.NoError(t, err)
			var names []string
			for _, r := range got {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	noData, err := s.ListRecordingsFiltered(ctx, Filter{SkipData: true})
	require.NoError(t, err)
	for _, r := range noData {
		assert.Nil(t, r.Data)
	}
}

func TestCountByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	addTestRecording(t, s, &recording.Recording{Name: "a", SyncStatus: recording.SyncSynced, ModerationStatus: recording.ModerationApproved, FreesoundID: 1})
	addTestRecording(t, s, &recording.Recording{Name: "b", SyncStatus: recording.SyncSynced, ModerationStatus: recording.ModerationProcessing, FreesoundID: 2, PendingEdit: true})
	addTestRecording(t, s, &recording.Recording{Name: "c"})

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 2, counts.Sync[recording.SyncSynced])
	assert.Equal(t, 1, counts.Sync[""])
	assert.Equal(t, 1, counts.Moderation[recording.ModerationApproved])
	assert.Equal(t, 1, counts.PendingEdits)
}

func TestSubscribe(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var calls int32
	s.Subscribe(func() { atomic.AddInt32(&calls, 1) })

	id := addTestRecording(t, s, &recording.Recording{Name: "x"})
	require.NoError(t, s.UpdateRecording(ctx, id, recording.Patch{Description: recording.Set("d")}))
	require.NoError(t, s.UpdateRecording(ctx, id, recording.Patch{}))
	require.NoError(t, s.DeleteRecording(ctx, id))
	require.NoError(t, s.DeleteRecording(ctx, id))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "add, update and first delete notify")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recordings.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.AddRecording(context.Background(), &recording.Recording{Name: "persist me"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Name)
}

func TestUploadClaims(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	id := addTestRecording(t, s, &recording.Recording{Name: "Harbour"})

	claimed, err := s.UploadClaimed(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ClaimUpload(ctx, id))
	claimed, err = s.UploadClaimed(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	err = s.ClaimUpload(ctx, id)
	assert.ErrorIs(t, err, ErrClaimed)

	require.NoError(t, s.ReleaseUpload(ctx, id))
	require.NoError(t, s.ReleaseUpload(ctx, id), "release is idempotent")
	require.NoError(t, s.ClaimUpload(ctx, id))

	t.Run("expired claims are taken over", func(t *testing.T) {
		now = now.Add(UploadClaimTTL + time.Second)
		claimed, err := s.UploadClaimed(ctx, id)
		require.NoError(t, err)
		assert.False(t, claimed)
		require.NoError(t, s.ClaimUpload(ctx, id))
	})

	t.Run("missing recording", func(t *testing.T) {
		assert.ErrorIs(t, s.ClaimUpload(ctx, 9999), ErrNotFound)
	})

	t.Run("deleting drops the claim", func(t *testing.T) {
		require.NoError(t, s.DeleteRecording(ctx, id))
		var n int
		require.NoError(t, s.conn.QueryRow("SELECT COUNT(*) FROM upload_claims").Scan(&n))
		assert.Zero(t, n)
	})
}
