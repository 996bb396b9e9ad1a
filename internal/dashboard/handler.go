package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
	"github.com/tedsecretsource/sound-recorder/internal/scheduler"
	recsync "github.com/tedsecretsource/sound-recorder/internal/sync"
)

// Broadcaster receives formatted messages. *Server implements it.
type Broadcaster interface {
	Broadcast(msg Message)
}

// RecordingData describes a stored or removed recording
type RecordingData struct {
	ID               int64  `json:"id"`
	Name             string `json:"name,omitempty"`
	SyncStatus       string `json:"sync_status,omitempty"`
	ModerationStatus string `json:"moderation_status,omitempty"`
	FreesoundID      int64  `json:"freesound_id,omitempty"`
}

// RecordingUpdateData lists the fields a patch wrote. Cleared fields are
// reported as null.
type RecordingUpdateData struct {
	ID      int64          `json:"id"`
	Changes map[string]any `json:"changes"`
}

// SyncCompleteData summarizes one sync pass
type SyncCompleteData struct {
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Edited     int           `json:"edited"`
	Deleted    int           `json:"deleted"`
	Errors     []string      `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// Handler turns store, engine and scheduler events into dashboard messages.
type Handler struct {
	out    Broadcaster
	logger *log.Logger
	now    func() time.Time
}

// NewHandler creates a handler publishing to out
func NewHandler(out Broadcaster, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{out: out, logger: logger, now: time.Now}
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("WARNING: failed to marshal %s data: %v", typ, err)
		return
	}
	h.out.Broadcast(Message{Type: typ, Timestamp: h.now(), Data: raw})
}

// OnRecordingUpdated publishes the fields p changed on recording id
func (h *Handler) OnRecordingUpdated(id int64, p recording.Patch) {
	if p.IsEmpty() {
		return
	}
	h.send(MessageTypeRecordingUpdate, RecordingUpdateData{ID: id, Changes: patchChanges(p)})
}

// OnRecordingAdded publishes a newly stored recording
func (h *Handler) OnRecordingAdded(id int64, r *recording.Recording) {
	h.send(MessageTypeRecordingAdded, RecordingData{
		ID:               id,
		Name:             r.Name,
		SyncStatus:       string(r.SyncStatus),
		ModerationStatus: string(r.ModerationStatus),
		FreesoundID:      r.FreesoundID,
	})
}

// OnRecordingDeleted publishes a removal
func (h *Handler) OnRecordingDeleted(id int64) {
	h.send(MessageTypeRecordingDeleted, RecordingData{ID: id})
}

// OnSyncComplete publishes a pass summary. Its signature matches
// Scheduler.OnSyncComplete.
func (h *Handler) OnSyncComplete(res recsync.Result, duration time.Duration) {
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Uploaded:   res.Uploaded,
		Downloaded: res.Downloaded,
		Edited:     res.Edited,
		Deleted:    res.Deleted,
		Errors:     errs,
		Duration:   duration,
	})
}

// OnStatus publishes the scheduler status. Its signature matches
// Scheduler.OnStatusChange.
func (h *Handler) OnStatus(st scheduler.Status) {
	h.send(MessageTypeStatus, st)
}

// Observe wraps inner so that every successful write is also published.
func (h *Handler) Observe(inner recsync.Callbacks) recsync.Callbacks {
	return &observed{inner: inner, h: h}
}

type observed struct {
	inner recsync.Callbacks
	h     *Handler
}

func (o *observed) UpdateRecording(ctx context.Context, id int64, p recording.Patch) error {
	if err := o.inner.UpdateRecording(ctx, id, p); err != nil {
		return err
	}
	o.h.OnRecordingUpdated(id, p)
	return nil
}

func (o *observed) AddRecording(ctx context.Context, r *recording.Recording) (int64, error) {
	id, err := o.inner.AddRecording(ctx, r)
	if err != nil {
		return 0, err
	}
	o.h.OnRecordingAdded(id, r)
	return id, nil
}

func (o *observed) DeleteRecording(ctx context.Context, id int64) error {
	if err := o.inner.DeleteRecording(ctx, id); err != nil {
		return err
	}
	o.h.OnRecordingDeleted(id)
	return nil
}

func (o *observed) ListRecordings(ctx context.Context) ([]*recording.Recording, error) {
	return o.inner.ListRecordings(ctx)
}

func (o *observed) UploadClaimed(ctx context.Context, id int64) (bool, error) {
	if c, ok := o.inner.(recsync.UploadClaims); ok {
		return c.UploadClaimed(ctx, id)
	}
	return false, nil
}

func patchChanges(p recording.Patch) map[string]any {
	changes := make(map[string]any)
	put := func(key string, set, cleared bool, v any) {
		switch {
		case set:
			changes[key] = v
		case cleared:
			changes[key] = nil
		}
	}
	put("name", p.Name.IsSet(), p.Name.IsCleared(), p.Name.Value())
	put("description", p.Description.IsSet(), p.Description.IsCleared(), p.Description.Value())
	put("bst_category", p.BSTCategory.IsSet(), p.BSTCategory.IsCleared(), p.BSTCategory.Value())
	put("freesound_id", p.FreesoundID.IsSet(), p.FreesoundID.IsCleared(), p.FreesoundID.Value())
	put("sync_status", p.SyncStatus.IsSet(), p.SyncStatus.IsCleared(), p.SyncStatus.Value())
	put("sync_error", p.SyncError.IsSet(), p.SyncError.IsCleared(), p.SyncError.Value())
	put("last_synced_at", p.LastSyncedAt.IsSet(), p.LastSyncedAt.IsCleared(), p.LastSyncedAt.Value())
	put("moderation_status", p.ModerationStatus.IsSet(), p.ModerationStatus.IsCleared(), p.ModerationStatus.Value())
	put("pending_edit", p.PendingEdit.IsSet(), p.PendingEdit.IsCleared(), p.PendingEdit.Value())
	return changes
}
