// Package recording provides the local recording model shared by the store,
// the sync engine and the scheduler.
package recording

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SyncStatus is the state of the local-to-remote upload attempt.
// The empty value means no attempt has been made yet.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncError    SyncStatus = "error"
	SyncConflict SyncStatus = "conflict"
)

// Valid reports whether s is a known status (or not yet set).
func (s SyncStatus) Valid() bool {
	switch s {
	case "", SyncPending, SyncSyncing, SyncSynced, SyncError, SyncConflict:
		return true
	}
	return false
}

// ModerationStatus tracks Freesound's post-upload moderation pipeline.
// The empty value means the status has not been tracked yet.
type ModerationStatus string

const (
	ModerationProcessing   ModerationStatus = "processing"
	ModerationInModeration ModerationStatus = "in_moderation"
	ModerationApproved     ModerationStatus = "approved"
	ModerationFailed       ModerationStatus = "moderation_failed"
)

// Valid reports whether m is a known status (or not yet set).
func (m ModerationStatus) Valid() bool {
	switch m {
	case "", ModerationProcessing, ModerationInModeration, ModerationApproved, ModerationFailed:
		return true
	}
	return false
}

// DefaultNameLayout is the layout of names generated at capture stop.
const DefaultNameLayout = "2006-01-02 15:04:05"

var defaultNamePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

// Recording is one locally captured audio entry with its sync metadata.
type Recording struct {
	// ===== Identity =====
	ID int64 `json:"id,omitempty"` // assigned by the store; 0 before first persistence

	// ===== User content =====
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BSTCategory string `json:"bst_category,omitempty"`

	// ===== Audio =====
	Data     []byte  `json:"-"`
	MimeType string  `json:"mime_type,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds

	// ===== Sync state =====
	FreesoundID      int64            `json:"freesound_id,omitempty"` // 0 until uploaded and accepted
	SyncStatus       SyncStatus       `json:"sync_status,omitempty"`
	SyncError        string           `json:"sync_error,omitempty"`
	LastSyncedAt     *time.Time       `json:"last_synced_at,omitempty"`
	ModerationStatus ModerationStatus `json:"moderation_status,omitempty"`
	PendingEdit      bool             `json:"pending_edit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasFreesoundID reports whether the recording has completed an upload.
func (r *Recording) HasFreesoundID() bool {
	return r.FreesoundID != 0
}

// HasData reports whether audio capture has completed.
func (r *Recording) HasData() bool {
	return len(r.Data) > 0
}

// Validate checks field values before persistence.
func (r *Recording) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !r.SyncStatus.Valid() {
		return fmt.Errorf("unknown sync status %q", r.SyncStatus)
	}
	if !r.ModerationStatus.Valid() {
		return fmt.Errorf("unknown moderation status %q", r.ModerationStatus)
	}
	if r.FreesoundID < 0 {
		return fmt.Errorf("freesound id must be positive (got %d)", r.FreesoundID)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *Recording) Clone() *Recording {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

// DefaultName returns the auto-generated name for a capture stopped at t.
func DefaultName(t time.Time) string {
	return t.Format(DefaultNameLayout)
}

// IsDefaultName reports whether name is an auto-generated capture timestamp.
func IsDefaultName(name string) bool {
	return defaultNamePattern.MatchString(name)
}

// IsReadyForSync reports whether the user has given the recording a custom
// name and a non-empty description.
func IsReadyForSync(r *Recording) bool {
	if r == nil {
		return false
	}
	return !IsDefaultName(r.Name) && strings.TrimSpace(r.Description) != ""
}

// IsUploadEligible reports whether r may be uploaded now.
func IsUploadEligible(r *Recording) bool {
	if r == nil {
		return false
	}
	return r.HasData() &&
		r.ID != 0 &&
		!r.HasFreesoundID() &&
		r.ModerationStatus != ModerationFailed &&
		IsReadyForSync(r)
}
