// Package scheduler decides when the sync engine runs.
//
// A Scheduler debounces sync requests, keeps a minimum spacing between
// passes, waits out rate-limit cooldowns, gates on authentication and
// connectivity, fires one initial sync per authenticated session and
// re-queues upload-eligible recordings whenever the store changes.
//
// Connectivity comes from a Monitor and out-of-band notices (uploads that
// finished outside a pass, changes made by other processes) from an Inbox.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tedsecretsource/sound-recorder/internal/recording"
	recsync "github.com/tedsecretsource/sound-recorder/internal/sync"
)

// Engine is the part of *sync.Engine the scheduler drives.
type Engine interface {
	PerformSync(ctx context.Context) (recsync.Result, error)
	QueueUpload(id int64)
	QueueLength() int
	IsQueueEmpty() bool
	IsSyncing() bool
	RateLimitWaitSeconds() int
}

// RecordStore is the local store as seen by the scheduler.
type RecordStore interface {
	ListRecordings(ctx context.Context) ([]*recording.Recording, error)
	UpdateRecording(ctx context.Context, id int64, p recording.Patch) error
}

// Authenticator reports whether a Freesound session exists.
type Authenticator interface {
	IsAuthenticated() bool
}

// Config configures a Scheduler.
type Config struct {
	// Debounce is the trailing debounce window (default: 2s)
	Debounce time.Duration

	// MinInterval is the minimum spacing between passes (default: 30s)
	MinInterval time.Duration

	// InitialDelay is the wait before a session's first sync (default: 3s)
	InitialDelay time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     2 * time.Second,
		MinInterval:  30 * time.Second,
		InitialDelay: 3 * time.Second,
		Now:          time.Now,
		Logger:       log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Online          bool      `json:"online"`
	Authenticated   bool      `json:"authenticated"`
	Syncing         bool      `json:"syncing"`
	LastSyncTime    time.Time `json:"last_sync_time,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	PendingCount    int       `json:"pending_count"`
	RateLimitWait   int       `json:"rate_limit_wait_seconds"`
	InitialSyncDone bool      `json:"initial_sync_done"`
}

// Completion is an upload that finished outside a sync pass.
type Completion struct {
	RecordingID int64
	FreesoundID int64
	CompletedAt time.Time
}

// Scheduler drives an Engine. Create it with New and start it with Run.
type Scheduler struct {
	engine Engine
	store  RecordStore
	auth   Authenticator
	cfg    Config
	logger *log.Logger

	changes chan struct{}
	monitor *Monitor
	inbox   *Inbox

	mu            sync.Mutex
	ctx           context.Context
	online        bool
	authenticated bool
	syncing       bool
	lastSync      time.Time
	lastError     string
	pendingCount  int
	initialDone   bool
	rerun         bool
	initialTimer  *time.Timer
	debounceTimer *time.Timer
	debounceGen   uint64

	onSyncComplete func(recsync.Result, time.Duration)
	onStatusChange func(Status)
}

// New creates a Scheduler. auth may be nil when authentication is reported
// through SetAuthenticated only.
func New(engine Engine, store RecordStore, auth Authenticator, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Scheduler{
		engine:  engine,
		store:   store,
		auth:    auth,
		cfg:     cfg,
		logger:  cfg.Logger,
		changes: make(chan struct{}, 1),
		ctx:     context.Background(),
		online:  true,
	}
}

// OnSyncComplete registers a hook called after every pass.
func (s *Scheduler) OnSyncComplete(fn func(recsync.Result, time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSyncComplete = fn
}

// OnStatusChange registers a hook called whenever the status changes.
func (s *Scheduler) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusChange = fn
}

// WatchConnectivity makes Run follow m. Call before Run.
func (s *Scheduler) WatchConnectivity(m *Monitor) {
	s.monitor = m
}

// WatchInbox makes Run consume notices from in. Call before Run.
func (s *Scheduler) WatchInbox(in *Inbox) {
	s.inbox = in
}

// Status returns the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	return Status{
		Online:          s.online,
		Authenticated:   s.authenticated,
		Syncing:         s.syncing,
		LastSyncTime:    s.lastSync,
		LastError:       s.lastError,
		PendingCount:    s.pendingCount,
		RateLimitWait:   s.engine.RateLimitWaitSeconds(),
		InitialSyncDone: s.initialDone,
	}
}

func (s *Scheduler) publishStatus() {
	s.mu.Lock()
	fn := s.onStatusChange
	st := s.statusLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// ScheduleSync requests a pass after the debounce window, or later when
// the minimum interval since the last pass or a rate-limit cooldown has not
// yet elapsed. A pending request is replaced.
func (s *Scheduler) ScheduleSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.delayLocked()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	ctx := s.ctx
	s.debounceTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.debounceGen {
			s.mu.Unlock()
			return
		}
		s.debounceTimer = nil
		s.mu.Unlock()
		s.TriggerSync(ctx)
	})
}

// NextSyncDelay returns the delay ScheduleSync would use now.
func (s *Scheduler) NextSyncDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked()
}

func (s *Scheduler) delayLocked() time.Duration {
	delay := s.cfg.Debounce
	if !s.lastSync.IsZero() {
		if rest := s.cfg.MinInterval - s.cfg.Now().Sub(s.lastSync); rest > delay {
			delay = rest
		}
	}
	if wait := time.Duration(s.engine.RateLimitWaitSeconds()) * time.Second; wait > delay {
		delay = wait
	}
	return delay
}

// TriggerSync runs a pass now unless the guards forbid it. It reports
// whether a pass ran. A request refused because a pass is running is
// rescheduled when that pass ends.
func (s *Scheduler) TriggerSync(ctx context.Context) (recsync.Result, bool) {
	s.mu.Lock()
	switch {
	case !s.authenticated:
		s.mu.Unlock()
		return recsync.Result{}, false
	case s.syncing || s.engine.IsSyncing():
		// run again once the current pass ends
		s.rerun = true
		s.mu.Unlock()
		return recsync.Result{}, false
	case !s.online && s.engine.IsQueueEmpty():
		s.mu.Unlock()
		return recsync.Result{}, false
	}
	s.syncing = true
	s.mu.Unlock()
	s.publishStatus()

	started := s.cfg.Now()
	res, err := s.engine.PerformSync(ctx)
	elapsed := s.cfg.Now().Sub(started)

	s.mu.Lock()
	s.syncing = false
	s.lastSync = s.cfg.Now()
	s.pendingCount = s.engine.QueueLength()
	switch {
	case err != nil:
		s.lastError = err.Error()
	case len(res.Errors) > 0:
		s.lastError = res.Errors[len(res.Errors)-1]
	default:
		s.lastError = ""
	}
	hook := s.onSyncComplete
	retry := s.rerun || (s.pendingCount > 0 && s.engine.RateLimitWaitSeconds() > 0)
	s.rerun = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("ERROR: sync failed: %v", err)
	} else {
		s.logger.Printf("Sync finished: %d uploaded, %d downloaded, %d errors",
			res.Uploaded, res.Downloaded, len(res.Errors))
		if hook != nil {
			hook(res, elapsed)
		}
	}
	s.publishStatus()

	if retry {
		s.ScheduleSync()
	}
	return res, true
}

// SetAuthenticated records the session state. The first transition to
// authenticated arms the initial sync; losing the session cancels pending
// syncs and ends the session.
func (s *Scheduler) SetAuthenticated(authenticated bool) {
	s.mu.Lock()
	prev := s.authenticated
	s.authenticated = authenticated

	switch {
	case authenticated && !prev && !s.initialDone && s.initialTimer == nil:
		ctx := s.ctx
		s.logger.Printf("Authenticated, first sync in %v", s.cfg.InitialDelay)
		s.initialTimer = time.AfterFunc(s.cfg.InitialDelay, func() {
			s.mu.Lock()
			if !s.authenticated || s.initialDone {
				s.mu.Unlock()
				return
			}
			s.initialDone = true
			s.initialTimer = nil
			s.mu.Unlock()
			s.TriggerSync(ctx)
		})
	case !authenticated && prev:
		s.stopTimersLocked()
		s.initialDone = false
		s.rerun = false
	}
	s.mu.Unlock()

	if prev != authenticated {
		s.publishStatus()
	}
}

// SetOnline records connectivity. Coming back online after the initial
// sync schedules a pass.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	prev := s.online
	s.online = online
	reconnect := online && !prev && s.authenticated && s.initialDone
	s.mu.Unlock()

	if prev == online {
		return
	}
	if reconnect {
		s.logger.Printf("Back online, scheduling sync")
		s.ScheduleSync()
	}
	s.publishStatus()
}

// NotifyRecordingsChanged asks Run to rescan the store. Calls are coalesced
// and never block, so it is safe to use as a store subscriber.
func (s *Scheduler) NotifyRecordingsChanged() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Rescan queues every upload-eligible recording that is not mid-flight or
// failed, and schedules a pass when the queue is non-empty.
func (s *Scheduler) Rescan(ctx context.Context) error {
	recs, err := s.store.ListRecordings(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan recordings: %w", err)
	}
	for _, r := range recs {
		if !recording.IsUploadEligible(r) {
			continue
		}
		if r.SyncStatus == recording.SyncSyncing || r.SyncStatus == recording.SyncError {
			continue
		}
		s.engine.QueueUpload(r.ID)
	}

	s.mu.Lock()
	s.pendingCount = s.engine.QueueLength()
	s.mu.Unlock()
	s.publishStatus()

	if !s.engine.IsQueueEmpty() {
		s.ScheduleSync()
	}
	return nil
}

// ApplyBackgroundCompletion records an upload that finished outside a
// pass, exactly as a successful upload inside one would.
func (s *Scheduler) ApplyBackgroundCompletion(ctx context.Context, c Completion) error {
	at := c.CompletedAt
	if at.IsZero() {
		at = s.cfg.Now()
	}
	if err := s.store.UpdateRecording(ctx, c.RecordingID, recording.UploadedPatch(c.FreesoundID, at)); err != nil {
		return fmt.Errorf("failed to apply upload of recording %d: %w", c.RecordingID, err)
	}
	s.logger.Printf("Background upload of recording %d completed as sound %d", c.RecordingID, c.FreesoundID)
	return nil
}

func (s *Scheduler) handleNotice(ctx context.Context, n Notice) {
	switch n.Kind {
	case NoticeUploadComplete:
		err := s.ApplyBackgroundCompletion(ctx, Completion{
			RecordingID: n.RecordingID,
			FreesoundID: n.FreesoundID,
			CompletedAt: n.CompletedAt,
		})
		if err != nil {
			s.logger.Printf("WARNING: %v", err)
		}
	case NoticeChanged:
		s.NotifyRecordingsChanged()
	}
}

// Run follows the attached sources until ctx is done. It scans the store
// once at start so queued work survives restarts.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	var wg sync.WaitGroup
	defer wg.Wait()

	var notices <-chan Notice
	var inboxErrs <-chan error
	if s.inbox != nil {
		if err := s.inbox.Start(); err != nil {
			return err
		}
		defer func() {
			if err := s.inbox.Stop(); err != nil {
				s.logger.Printf("WARNING: %v", err)
			}
		}()
		notices = s.inbox.Notices()
		inboxErrs = s.inbox.Errors()
	}

	var connectivity <-chan bool
	if s.monitor != nil {
		connectivity = s.monitor.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.monitor.Run(ctx)
		}()
	}

	if s.auth != nil {
		s.SetAuthenticated(s.auth.IsAuthenticated())
	}
	if err := s.Rescan(ctx); err != nil {
		s.logger.Printf("WARNING: %v", err)
	}

	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.changes:
			if err := s.Rescan(ctx); err != nil {
				s.logger.Printf("WARNING: %v", err)
			}

		case online := <-connectivity:
			s.SetOnline(online)

		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			s.handleNotice(ctx, n)

		case err, ok := <-inboxErrs:
			if !ok {
				inboxErrs = nil
				continue
			}
			s.logger.Printf("WARNING: inbox: %v", err)
		}
	}
}

// Stop cancels pending timers. A pass already running is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

func (s *Scheduler) stopTimersLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.debounceGen++
	if s.initialTimer != nil {
		s.initialTimer.Stop()
		s.initialTimer = nil
	}
}
