package recording

import (
	"strings"
	"time"
)

type fieldState uint8

const (
	fieldUnchanged fieldState = iota
	fieldSet
	fieldCleared
)

// Field is a tri-state partial-update value: unchanged (the zero value),
// set to a value, or cleared back to the column's empty value.
type Field[T any] struct {
	state fieldState
	value T
}

// Set returns a Field that assigns v.
func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

// Clear returns a Field that resets the column.
func Clear[T any]() Field[T] {
	return Field[T]{state: fieldCleared}
}

// IsSet reports whether the field assigns a value.
func (f Field[T]) IsSet() bool { return f.state == fieldSet }

// IsCleared reports whether the field resets the column.
func (f Field[T]) IsCleared() bool { return f.state == fieldCleared }

// IsUnchanged reports whether the field leaves the column alone.
func (f Field[T]) IsUnchanged() bool { return f.state == fieldUnchanged }

// Value returns the assigned value, or the zero value when not set.
func (f Field[T]) Value() T {
	if f.state != fieldSet {
		var zero T
		return zero
	}
	return f.value
}

func (f Field[T]) apply(dst *T) {
	switch f.state {
	case fieldSet:
		*dst = f.value
	case fieldCleared:
		var zero T
		*dst = zero
	}
}

// Patch is a partial update of a recording. Fields left unchanged are not
// written.
type Patch struct {
	Name             Field[string]
	Description      Field[string]
	BSTCategory      Field[string]
	FreesoundID      Field[int64]
	SyncStatus       Field[SyncStatus]
	SyncError        Field[string]
	LastSyncedAt     Field[time.Time]
	ModerationStatus Field[ModerationStatus]
	PendingEdit      Field[bool]
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name.IsUnchanged() &&
		p.Description.IsUnchanged() &&
		p.BSTCategory.IsUnchanged() &&
		p.FreesoundID.IsUnchanged() &&
		p.SyncStatus.IsUnchanged() &&
		p.SyncError.IsUnchanged() &&
		p.LastSyncedAt.IsUnchanged() &&
		p.ModerationStatus.IsUnchanged() &&
		p.PendingEdit.IsUnchanged()
}

// Apply merges the patch into r.
func (p Patch) Apply(r *Recording) {
	p.Name.apply(&r.Name)
	p.Description.apply(&r.Description)
	p.BSTCategory.apply(&r.BSTCategory)
	p.FreesoundID.apply(&r.FreesoundID)
	p.SyncStatus.apply(&r.SyncStatus)
	p.SyncError.apply(&r.SyncError)
	p.ModerationStatus.apply(&r.ModerationStatus)
	p.PendingEdit.apply(&r.PendingEdit)

	switch {
	case p.LastSyncedAt.IsSet():
		t := p.LastSyncedAt.Value()
		r.LastSyncedAt = &t
	case p.LastSyncedAt.IsCleared():
		r.LastSyncedAt = nil
	}
}

// UploadedPatch is the update written after Freesound accepts an upload.
func UploadedPatch(freesoundID int64, now time.Time) Patch {
	return Patch{
		FreesoundID:      Set(freesoundID),
		SyncStatus:       Set(SyncSynced),
		LastSyncedAt:     Set(now),
		SyncError:        Clear[string](),
		ModerationStatus: Set(ModerationProcessing),
	}
}

// EditPatch builds the update for a user edit of name and description.
// Once a recording is approved remotely, a change is flagged for pushing.
func EditPatch(r *Recording, name, description string) Patch {
	var p Patch
	changed := false
	if name != r.Name {
		p.Name = Set(name)
		changed = true
	}
	if strings.TrimSpace(description) != strings.TrimSpace(r.Description) {
		p.Description = Set(description)
		changed = true
	}
	if changed && r.HasFreesoundID() && r.ModerationStatus == ModerationApproved {
		p.PendingEdit = Set(true)
	}
	return p
}
