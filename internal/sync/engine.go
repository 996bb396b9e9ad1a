package sync

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/tedsecretsource/sound-recorder/internal/audio"
	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

const (
	// DefaultTag marks every sound uploaded by this app.
	DefaultTag = "sound-recorder-app"

	// DefaultLicense is sent with every upload.
	DefaultLicense = "Creative Commons 0"

	// DefaultRateLimitBackoff is the cooldown after a rate-limited upload.
	DefaultRateLimitBackoff = 60 * time.Second

	// RateLimitedSyncError is stored on a record whose upload was throttled.
	RateLimitedSyncError = "Rate limited, will retry"
)

// DefaultExtraTags are added to the sync tag on upload.
var DefaultExtraTags = []string{"field-recording", "sound-recorder"}

// Options configures an Engine.
type Options struct {
	// Tag identifies the app's sounds on Freesound (default: DefaultTag)
	Tag string

	// License for uploads (default: DefaultLicense)
	License string

	// ExtraTags are uploaded alongside Tag (default: DefaultExtraTags).
	// Use an empty non-nil slice for none.
	ExtraTags []string

	// RateLimitBackoff is how long syncing pauses after a 429
	// (default: DefaultRateLimitBackoff)
	RateLimitBackoff time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Tag:              DefaultTag,
		License:          DefaultLicense,
		ExtraTags:        DefaultExtraTags,
		RateLimitBackoff: DefaultRateLimitBackoff,
		Now:              time.Now,
		Logger:           log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Result summarizes one pass.
type Result struct {
	Uploaded   int      `json:"uploaded"`
	Downloaded int      `json:"downloaded"`
	Edited     int      `json:"edited"`
	Deleted    int      `json:"deleted"`
	Errors     []string `json:"errors"`
}

func newResult() Result {
	return Result{Errors: []string{}}
}

// Engine reconciles local recordings with Freesound. Create one per session
// with New.
type Engine struct {
	remote    Remote
	converter audio.Converter
	opts      Options
	logger    *log.Logger
	queue     *Queue

	mu               stdsync.Mutex
	running          bool
	callbacks        Callbacks
	rateLimitedUntil time.Time
}

// New creates an Engine. Zero option fields take their defaults; a nil
// converter means audio.Sniffer.
func New(remote Remote, converter audio.Converter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Tag == "" {
		opts.Tag = def.Tag
	}
	if opts.License == "" {
		opts.License = def.License
	}
	if opts.ExtraTags == nil {
		opts.ExtraTags = def.ExtraTags
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = def.RateLimitBackoff
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if converter == nil {
		converter = audio.Sniffer{}
	}
	return &Engine{
		remote:    remote,
		converter: converter,
		opts:      opts,
		logger:    opts.Logger,
		queue:     NewQueue(),
	}
}

// SetCallbacks wires the local store. PerformSync is a no-op until it is set.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// QueueUpload adds id to the upload queue. Queuing an id twice is a no-op.
func (e *Engine) QueueUpload(id int64) {
	if e.queue.Push(id) {
		e.logger.Printf("Queued recording %d for upload", id)
	}
}

// IsQueueEmpty reports whether no upload is queued.
func (e *Engine) IsQueueEmpty() bool {
	return e.queue.Len() == 0
}

// QueueLength returns the number of queued uploads.
func (e *Engine) QueueLength() int {
	return e.queue.Len()
}

// QueuedIDs returns the queued recording ids in upload order.
func (e *Engine) QueuedIDs() []int64 {
	return e.queue.IDs()
}

// IsSyncing reports whether a pass is in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsRateLimited reports whether the rate-limit cooldown is active.
func (e *Engine) IsRateLimited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Now().Before(e.rateLimitedUntil)
}

// RateLimitWaitSeconds returns the remaining cooldown in whole seconds,
// rounded up.
func (e *Engine) RateLimitWaitSeconds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitSecondsLocked()
}

// RateLimitedUntil returns the end of the cooldown (zero if never limited).
func (e *Engine) RateLimitedUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateLimitedUntil
}

func (e *Engine) waitSecondsLocked() int {
	remaining := e.rateLimitedUntil.Sub(e.opts.Now())
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// startCooldown moves the cooldown forward, never back.
func (e *Engine) startCooldown() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	until := e.opts.Now().Add(e.opts.RateLimitBackoff)
	if until.After(e.rateLimitedUntil) {
		e.rateLimitedUntil = until
	}
	return e.waitSecondsLocked()
}

// begin claims the running flag. It returns nil callbacks when the pass
// must not run, and a non-empty message when it is blocked by the cooldown.
func (e *Engine) begin() (Callbacks, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running || e.callbacks == nil {
		return nil, ""
	}
	if e.opts.Now().Before(e.rateLimitedUntil) {
		return nil, fmt.Sprintf("Rate limited by Freesound. Please wait %d seconds before syncing again.", e.waitSecondsLocked())
	}
	e.running = true
	return e.callbacks, ""
}

func (e *Engine) end() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// pass holds the state of one PerformSync call.
type pass struct {
	cb     Callbacks
	result Result

	local    []*recording.Recording
	byID     map[int64]*recording.Recording
	linked   []*recording.Recording // had a freesound id when the pass began
	unlinked []*recording.Recording

	remote        []freesound.Sound
	remoteIDs     map[int64]bool
	searchFetched bool

	pendingFetched bool
	processing     map[int64]bool
	moderation     map[int64]bool
}

// PerformSync runs one reconciliation pass. The returned error is non-nil
// only when the local recordings cannot be read.
func (e *Engine) PerformSync(ctx context.Context) (Result, error) {
	cb, blocked := e.begin()
	if cb == nil {
		res := newResult()
		if blocked != "" {
			res.Errors = append(res.Errors, blocked)
		}
		return res, nil
	}
	defer e.end()

	started := e.opts.Now()
	p := &pass{cb: cb, result: newResult()}

	if err := e.loadLocal(ctx, p); err != nil {
		return p.result, err
	}
	e.loadRemote(ctx, p)

	e.uploadUnlinked(ctx, p)
	e.drainQueue(ctx, p)
	e.pushEdits(ctx, p)
	e.refreshModeration(ctx, p)
	e.downloadMissing(ctx, p)
	e.deleteVanished(ctx, p)

	e.logger.Printf("Sync complete in %v: %d uploaded, %d downloaded, %d edited, %d deleted, %d errors",
		e.opts.Now().Sub(started).Round(time.Millisecond),
		p.result.Uploaded, p.result.Downloaded, p.result.Edited, p.result.Deleted, len(p.result.Errors))
	return p.result, nil
}

func (e *Engine) loadLocal(ctx context.Context, p *pass) error {
	local, err := p.cb.ListRecordings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local recordings: %w", err)
	}

	p.local = local
	p.byID = make(map[int64]*recording.Recording, len(local))
	for _, r := range local {
		if r == nil {
			continue
		}
		if r.ID != 0 {
			p.byID[r.ID] = r
		}
		if r.HasFreesoundID() {
			p.linked = append(p.linked, r)
		} else {
			p.unlinked = append(p.unlinked, r)
		}
	}
	return nil
}

func (e *Engine) loadRemote(ctx context.Context, p *pass) {
	p.remoteIDs = make(map[int64]bool)

	resp, err := e.remote.GetSoundsByTag(ctx, e.opts.Tag)
	if err != nil {
		e.logger.Printf("WARNING: failed to fetch sounds tagged %q: %v", e.opts.Tag, err)
		return
	}
	p.searchFetched = true
	for _, s := range resp.Results {
		if p.remoteIDs[s.ID] {
			continue
		}
		p.remoteIDs[s.ID] = true
		p.remote = append(p.remote, s)
	}
}

// uploadUnlinked uploads every eligible record that has never been linked.
func (e *Engine) uploadUnlinked(ctx context.Context, p *pass) {
	for _, r := range p.unlinked {
		if r.SyncStatus == recording.SyncSynced ||
			r.ModerationStatus == recording.ModerationFailed ||
			!r.HasData() || r.ID == 0 ||
			!recording.IsUploadEligible(r) ||
			e.claimedElsewhere(ctx, p, r) {
			continue
		}

		stop := e.upload(ctx, p, r)
		e.queue.Remove(r.ID)
		if stop {
			return
		}
	}
}

// drainQueue uploads explicitly queued records in FIFO order.
func (e *Engine) drainQueue(ctx context.Context, p *pass) {
	for !e.IsQueueEmpty() && !e.IsRateLimited() {
		id, ok := e.queue.Pop()
		if !ok {
			return
		}

		r, found := p.byID[id]
		if !found || !r.HasData() || r.HasFreesoundID() ||
			r.ModerationStatus == recording.ModerationFailed ||
			!recording.IsUploadEligible(r) ||
			e.claimedElsewhere(ctx, p, r) {
			continue
		}

		if e.upload(ctx, p, r) {
			return
		}
	}
}

// claimedElsewhere reports whether another process holds the upload claim
// on r. A failed lookup counts as unclaimed.
func (e *Engine) claimedElsewhere(ctx context.Context, p *pass, r *recording.Recording) bool {
	c, ok := p.cb.(UploadClaims)
	if !ok {
		return false
	}
	claimed, err := c.UploadClaimed(ctx, r.ID)
	if err != nil {
		e.logger.Printf("WARNING: failed to check upload claim on recording %d: %v", r.ID, err)
		return false
	}
	if claimed {
		e.logger.Printf("Skipping recording %d: being uploaded by another process", r.ID)
	}
	return claimed
}

// upload attempts one upload. It reports whether the phase must stop
// because Freesound is rate limiting.
func (e *Engine) upload(ctx context.Context, p *pass, r *recording.Recording) bool {
	e.update(ctx, p, r, recording.Patch{SyncStatus: recording.Set(recording.SyncSyncing)})

	resp, err := e.sendUpload(ctx, r)
	if err != nil {
		if freesound.IsRateLimited(err) {
			wait := e.startCooldown()
			e.logger.Printf("Rate limited while uploading %q, pausing uploads for %ds", r.Name, wait)
			p.result.Errors = append(p.result.Errors,
				fmt.Sprintf("Rate limited by Freesound while uploading \"%s\". Will retry in %d seconds.", r.Name, wait))
			e.update(ctx, p, r, recording.Patch{
				SyncStatus: recording.Set(recording.SyncPending),
				SyncError:  recording.Set(RateLimitedSyncError),
			})
			return true
		}

		msg := err.Error()
		e.logger.Printf("WARNING: upload of recording %d failed: %s", r.ID, msg)
		p.result.Errors = append(p.result.Errors, fmt.Sprintf("Failed to upload \"%s\": %s", r.Name, msg))
		e.update(ctx, p, r, recording.Patch{
			SyncStatus: recording.Set(recording.SyncError),
			SyncError:  recording.Set(msg),
		})
		return false
	}

	e.update(ctx, p, r, recording.UploadedPatch(resp.ID, e.opts.Now()))
	p.result.Uploaded++
	e.logger.Printf("Uploaded recording %d as Freesound sound %d", r.ID, resp.ID)
	return false
}

func (e *Engine) sendUpload(ctx context.Context, r *recording.Recording) (*freesound.UploadResponse, error) {
	file, err := e.converter.Convert(ctx, r.Name, r.Data, r.MimeType)
	if err != nil {
		return nil, err
	}
	return e.remote.UploadSound(ctx, freesound.UploadRequest{
		AudioFile:   file.Data,
		FileName:    file.Name,
		ContentType: file.ContentType,
		Name:        r.Name,
		Tags:        e.tags(),
		Description: r.Description,
		License:     e.opts.License,
		BSTCategory: r.BSTCategory,
	}, strconv.FormatInt(r.ID, 10))
}

// Upload sends r to Freesound outside a pass with the same conversion,
// tags and license a pass would use. The store is not written; the caller
// records the returned sound id.
func (e *Engine) Upload(ctx context.Context, r *recording.Recording) (int64, error) {
	if !recording.IsUploadEligible(r) {
		return 0, fmt.Errorf("recording %d is not ready for upload", r.ID)
	}
	if wait := e.RateLimitWaitSeconds(); wait > 0 {
		return 0, fmt.Errorf("rate limited by Freesound, retry in %d seconds: %w", wait, freesound.ErrRateLimited)
	}
	resp, err := e.sendUpload(ctx, r)
	if err != nil {
		if freesound.IsRateLimited(err) {
			e.startCooldown()
		}
		return 0, err
	}
	e.logger.Printf("Uploaded recording %d as Freesound sound %d", r.ID, resp.ID)
	return resp.ID, nil
}

// UploadRecording uploads the stored recording id outside a pass. It holds
// the recording's upload claim throughout, so passes in other processes
// skip it, and records progress the way a pass does: syncing while
// sending, linked on success, pending or error on failure.
func (e *Engine) UploadRecording(ctx context.Context, s UploadStore, id int64) (int64, error) {
	if err := s.ClaimUpload(ctx, id); err != nil {
		return 0, err
	}
	// the bookkeeping below must land even when ctx is cancelled mid-upload
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := s.ReleaseUpload(bg, id); err != nil {
			e.logger.Printf("WARNING: failed to release upload claim on recording %d: %v", id, err)
		}
	}()

	r, err := s.GetRecording(ctx, id)
	if err != nil {
		return 0, err
	}
	if !recording.IsUploadEligible(r) {
		return 0, fmt.Errorf("recording %d is not ready for upload", r.ID)
	}
	if err := s.UpdateRecording(ctx, id, recording.Patch{SyncStatus: recording.Set(recording.SyncSyncing)}); err != nil {
		return 0, fmt.Errorf("failed to mark recording %d syncing: %w", id, err)
	}

	soundID, err := e.Upload(ctx, r)
	if err != nil {
		patch := recording.Patch{
			SyncStatus: recording.Set(recording.SyncError),
			SyncError:  recording.Set(err.Error()),
		}
		if freesound.IsRateLimited(err) {
			patch = recording.Patch{
				SyncStatus: recording.Set(recording.SyncPending),
				SyncError:  recording.Set(RateLimitedSyncError),
			}
		}
		if uerr := s.UpdateRecording(bg, id, patch); uerr != nil {
			e.logger.Printf("WARNING: failed to update recording %d: %v", id, uerr)
		}
		return 0, err
	}

	if err := s.UpdateRecording(bg, id, recording.UploadedPatch(soundID, e.opts.Now())); err != nil {
		return soundID, fmt.Errorf("uploaded recording %d as sound %d but failed to link it: %w", id, soundID, err)
	}
	return soundID, nil
}

func (e *Engine) tags() []string {
	seen := make(map[string]bool)
	var tags []string
	for _, t := range append([]string{e.opts.Tag}, e.opts.ExtraTags...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

// pushEdits sends name and description changes made after approval.
func (e *Engine) pushEdits(ctx context.Context, p *pass) {
	for _, r := range p.local {
		if r == nil || !r.PendingEdit || !r.HasFreesoundID() || r.ID == 0 ||
			r.ModerationStatus != recording.ModerationApproved {
			continue
		}

		err := e.remote.EditSound(ctx, r.FreesoundID, freesound.EditRequest{
			Name:        r.Name,
			Description: r.Description,
		})
		if err != nil {
			if freesound.IsRateLimited(err) {
				e.startCooldown()
			}
			e.logger.Printf("WARNING: edit of sound %d failed: %v", r.FreesoundID, err)
			p.result.Errors = append(p.result.Errors, fmt.Sprintf("Failed to update \"%s\": %s", r.Name, err.Error()))
			continue
		}

		e.update(ctx, p, r, recording.Patch{
			PendingEdit:  recording.Set(false),
			LastSyncedAt: recording.Set(e.opts.Now()),
		})
		p.result.Edited++
	}
}

// refreshModeration derives each linked record's moderation status from the
// remote listings. It updates the in-memory records so the deletion phase
// sees the new statuses.
func (e *Engine) refreshModeration(ctx context.Context, p *pass) {
	p.processing = map[int64]bool{}
	p.moderation = map[int64]bool{}

	pending, err := e.remote.GetPendingUploads(ctx)
	if err != nil {
		e.logger.Printf("WARNING: failed to fetch pending uploads: %v", err)
	} else {
		p.pendingFetched = true
		p.processing = freesound.IDSet(pending.PendingProcessing)
		p.moderation = freesound.IDSet(pending.PendingModeration)
	}

	for _, r := range p.linked {
		if r.ModerationStatus == recording.ModerationFailed {
			continue
		}
		status, ok := moderationStatus(r, p)
		if !ok || status == r.ModerationStatus {
			continue
		}
		e.logger.Printf("Sound %d moderation: %q -> %q", r.FreesoundID, r.ModerationStatus, status)
		e.update(ctx, p, r, recording.Patch{ModerationStatus: recording.Set(status)})
	}
}

// moderationStatus returns the status implied by the listings, or false when
// nothing can be inferred.
func moderationStatus(r *recording.Recording, p *pass) (recording.ModerationStatus, bool) {
	id := r.FreesoundID
	switch {
	case p.remoteIDs[id]:
		return recording.ModerationApproved, true
	case p.processing[id]:
		return recording.ModerationProcessing, true
	case p.moderation[id]:
		return recording.ModerationInModeration, true
	case !p.pendingFetched || !p.searchFetched:
		// absence means nothing unless both listings are complete
		return "", false
	case r.ModerationStatus == recording.ModerationApproved:
		// absent everywhere after approval: the deletion phase decides
		return "", false
	default:
		return recording.ModerationFailed, true
	}
}

// downloadMissing copies remote sounds that have no local record.
func (e *Engine) downloadMissing(ctx context.Context, p *pass) {
	local := make(map[int64]bool, len(p.linked))
	for _, r := range p.linked {
		local[r.FreesoundID] = true
	}

	for _, s := range p.remote {
		if local[s.ID] {
			continue
		}
		name := s.Name
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("Freesound #%d", s.ID)
		}

		data, err := e.remote.DownloadSound(ctx, s)
		if err != nil {
			e.logger.Printf("WARNING: download of sound %d failed: %v", s.ID, err)
			p.result.Errors = append(p.result.Errors, fmt.Sprintf("Failed to download \"%s\": %s", name, err.Error()))
			continue
		}

		now := e.opts.Now()
		rec := &recording.Recording{
			Name:             name,
			Description:      s.Description,
			Data:             data,
			MimeType:         mimeTypeFor(s, data),
			Duration:         s.Duration,
			FreesoundID:      s.ID,
			SyncStatus:       recording.SyncSynced,
			LastSyncedAt:     &now,
			ModerationStatus: recording.ModerationApproved,
			CreatedAt:        now,
		}
		id, err := p.cb.AddRecording(ctx, rec)
		if err != nil {
			e.logger.Printf("WARNING: failed to store downloaded sound %d: %v", s.ID, err)
			p.result.Errors = append(p.result.Errors, fmt.Sprintf("Failed to download \"%s\": %s", name, err.Error()))
			continue
		}
		local[s.ID] = true
		p.result.Downloaded++
		e.logger.Printf("Downloaded Freesound sound %d as recording %d", s.ID, id)
	}
}

func mimeTypeFor(s freesound.Sound, data []byte) string {
	if f, ok := audio.ByExt(s.Type); ok {
		return f.ContentType
	}
	if f, err := audio.Detect(data, ""); err == nil {
		return f.ContentType
	}
	return "application/octet-stream"
}

// deleteVanished removes local copies of approved sounds that are gone from
// Freesound. Nothing is deleted unless both the tag search and the pending
// listing were fetched.
func (e *Engine) deleteVanished(ctx context.Context, p *pass) {
	if !p.pendingFetched || !p.searchFetched {
		return
	}
	for _, r := range p.linked {
		id := r.FreesoundID
		if p.remoteIDs[id] || p.processing[id] || p.moderation[id] ||
			r.ModerationStatus != recording.ModerationApproved {
			continue
		}

		if err := p.cb.DeleteRecording(ctx, r.ID); err != nil {
			e.logger.Printf("WARNING: failed to delete recording %d: %v", r.ID, err)
			p.result.Errors = append(p.result.Errors, fmt.Sprintf("Failed to delete \"%s\": %s", r.Name, err.Error()))
			continue
		}
		p.result.Deleted++
		e.logger.Printf("Deleted recording %d: sound %d was removed from Freesound", r.ID, id)
	}
}

// update writes p through the callbacks and mirrors it on the in-memory
// record. Write failures are logged and do not stop the pass.
func (e *Engine) update(ctx context.Context, p *pass, r *recording.Recording, patch recording.Patch) {
	if err := p.cb.UpdateRecording(ctx, r.ID, patch); err != nil {
		e.logger.Printf("WARNING: failed to update recording %d: %v", r.ID, err)
		return
	}
	patch.Apply(r)
}
