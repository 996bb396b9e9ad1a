package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
)

var wavData = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type patchCall struct {
	id    int64
	patch recording.Patch
}

// fakeStore implements Callbacks over a map.
type fakeStore struct {
	mu        stdsync.Mutex
	records   map[int64]*recording.Recording
	nextID    int64
	updates   []patchCall
	added     []*recording.Recording
	deleted   []int64
	listCalls int
	listErr   error
	onList    func()

	claims   map[int64]bool
	claimErr error
	releases []int64
}

func newFakeStore(records ...*recording.Recording) *fakeStore {
	s := &fakeStore{records: make(map[int64]*recording.Recording), nextID: 100, claims: make(map[int64]bool)}
	for _, r := range records {
		s.records[r.ID] = r.Clone()
	}
	return s
}

func (s *fakeStore) UpdateRecording(ctx context.Context, id int64, p recording.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, patchCall{id: id, patch: p})
	if r, ok := s.records[id]; ok {
		p.Apply(r)
	}
	return nil
}

func (s *fakeStore) GetRecording(ctx context.Context, id int64) (*recording.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, errors.New("recording not found")
	}
	return r.Clone(), nil
}

func (s *fakeStore) ClaimUpload(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	s.claims[id] = true
	return nil
}

func (s *fakeStore) ReleaseUpload(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	s.releases = append(s.releases, id)
	return nil
}

func (s *fakeStore) UploadClaimed(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[id], nil
}

func (s *fakeStore) AddRecording(ctx context.Context, r *recording.Recording) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	c := r.Clone()
	c.ID = s.nextID
	s.records[c.ID] = c
	s.added = append(s.added, r.Clone())
	return c.ID, nil
}

func (s *fakeStore) DeleteRecording(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted = append(s.deleted, id)
	delete(s.records, id)
	return nil
}

func (s *fakeStore) ListRecordings(ctx context.Context) ([]*recording.Recording, error) {
	s.mu.Lock()
	s.listCalls++
	hook := s.onList
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*recording.Recording, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) get(id int64) *recording.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.Clone()
	}
	return nil
}

func (s *fakeStore) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

type uploadCall struct {
	req           freesound.UploadRequest
	correlationID string
}

type editCall struct {
	id  int64
	req freesound.EditRequest
}

// fakeRemote implements Remote with scripted responses.
type fakeRemote struct {
	mu stdsync.Mutex

	uploadFn   func(req freesound.UploadRequest) (*freesound.UploadResponse, error)
	sounds     []freesound.Sound
	searchErr  error
	pending    *freesound.PendingUploads
	pendingErr error
	downloadFn func(s freesound.Sound) ([]byte, error)
	editErr    error

	nextSoundID int64
	uploads     []uploadCall
	edits       []editCall
	downloads   []int64
	searches    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextSoundID: 555, pending: &freesound.PendingUploads{}}
}

func (f *fakeRemote) UploadSound(ctx context.Context, req freesound.UploadRequest, correlationID string) (*freesound.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads = append(f.uploads, uploadCall{req: req, correlationID: correlationID})
	if f.uploadFn != nil {
		return f.uploadFn(req)
	}
	id := f.nextSoundID
	f.nextSoundID++
	return &freesound.UploadResponse{ID: id}, nil
}

func (f *fakeRemote) GetSoundsByTag(ctx context.Context, tag string) (*freesound.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &freesound.SearchResponse{Count: len(f.sounds), Results: append([]freesound.Sound(nil), f.sounds...)}, nil
}

func (f *fakeRemote) GetPendingUploads(ctx context.Context) (*freesound.PendingUploads, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return f.pending, nil
}

func (f *fakeRemote) DownloadSound(ctx context.Context, s freesound.Sound) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads = append(f.downloads, s.ID)
	if f.downloadFn != nil {
		return f.downloadFn(s)
	}
	return wavData, nil
}

func (f *fakeRemote) EditSound(ctx context.Context, id int64, req freesound.EditRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.edits = append(f.edits, editCall{id: id, req: req})
	return f.editErr
}

func (f *fakeRemote) Uploads() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.uploads...)
}

func pendingIDs(ids ...int64) []freesound.PendingUpload {
	out := make([]freesound.PendingUpload, 0, len(ids))
	for _, id := range ids {
		out = append(out, freesound.PendingUpload{ID: id})
	}
	return out
}

// setupEngine wires an engine to the fakes.
func setupEngine(t *testing.T, remote *fakeRemote, store *fakeStore) (*Engine, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	e := New(remote, nil, Options{
		Tag:    "sync-tag",
		Now:    clock.Now,
		Logger: log.New(io.Discard, "", 0),
	})
	if store != nil {
		e.SetCallbacks(store)
	}
	return e, clock
}

func readyRecording(id int64, name string) *recording.Recording {
	return &recording.Recording{
		ID:          id,
		Name:        name,
		Description: "birds at dawn",
		Data:        wavData,
		MimeType:    "audio/wav",
	}
}
