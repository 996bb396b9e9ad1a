package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// NoticeKind identifies an out-of-band message dropped into the inbox.
type NoticeKind string

const (
	// NoticeUploadComplete reports an upload finished outside a sync pass.
	NoticeUploadComplete NoticeKind = "upload_complete"

	// NoticeChanged reports that another process modified the store.
	NoticeChanged NoticeKind = "changed"
)

// Notice is one inbox message, stored as a JSON file.
type Notice struct {
	Kind        NoticeKind `json:"kind"`
	RecordingID int64      `json:"recording_id,omitempty"`
	FreesoundID int64      `json:"freesound_id,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

// Validate checks that the notice carries what its kind needs.
func (n Notice) Validate() error {
	switch n.Kind {
	case NoticeUploadComplete:
		if n.RecordingID <= 0 || n.FreesoundID <= 0 {
			return fmt.Errorf("upload_complete notice needs recording_id and freesound_id")
		}
	case NoticeChanged:
	default:
		return fmt.Errorf("unknown notice kind %q", n.Kind)
	}
	return nil
}

// WriteNotice atomically drops n into dir and returns the file path.
func WriteNotice(dir string, n Notice) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create inbox directory: %w", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notice: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write notice: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to publish notice: %w", err)
	}
	return path, nil
}

// Inbox watches a directory for notice files. Each file is delivered once
// and removed after it has been read.
type Inbox struct {
	dir     string
	watcher *fsnotify.Watcher
	notices chan Notice
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	logger  *log.Logger
}

// NewInbox creates an Inbox on dir, creating the directory if needed.
// Call Start to begin delivering notices.
func NewInbox(dir string, logger *log.Logger) (*Inbox, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Inbox{
		dir:     dir,
		watcher: watcher,
		notices: make(chan Notice, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Notices returns the channel of delivered notices. It is closed by Stop.
func (in *Inbox) Notices() <-chan Notice {
	return in.notices
}

// Errors returns the channel of watch and decode errors. It is closed by Stop.
func (in *Inbox) Errors() <-chan error {
	return in.errors
}

// Start watches the directory and delivers files already present.
func (in *Inbox) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return fmt.Errorf("inbox already running")
	}
	if err := in.watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", in.dir, err)
	}

	in.running = true
	in.wg.Add(1)
	go in.processEvents()
	return nil
}

// Stop ends the watch and blocks until the event loop has exited.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return in.watcher.Close()
	}
	in.running = false
	in.mu.Unlock()

	close(in.done)
	err := in.watcher.Close()
	in.wg.Wait()

	close(in.notices)
	close(in.errors)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (in *Inbox) processEvents() {
	defer in.wg.Done()

	// Files written before the watch began.
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.sendError(fmt.Errorf("failed to read inbox: %w", err))
	}
	for _, entry := range entries {
		if !in.deliver(filepath.Join(in.dir, entry.Name())) {
			return
		}
	}

	for {
		select {
		case <-in.done:
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !in.deliver(event.Name) {
				return
			}

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.sendError(err)
		}
	}
}

// deliver reads, removes and sends one notice file. It returns false once
// the inbox is stopping.
func (in *Inbox) deliver(path string) bool {
	n, ok, err := consume(path, in.logger)
	if err != nil {
		in.sendError(err)
		return true
	}
	if !ok {
		return true
	}

	select {
	case in.notices <- n:
		return true
	case <-in.done:
		return false
	}
}

// ReadNotices consumes every notice already in dir without watching it.
// Files that fail to decode are removed and reported in errs.
func ReadNotices(dir string) (notices []Notice, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("failed to read inbox: %w", err)}
	}
	logger := log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	for _, entry := range entries {
		n, ok, err := consume(filepath.Join(dir, entry.Name()), logger)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ok:
			notices = append(notices, n)
		}
	}
	return notices, errs
}

// consume reads and removes one notice file. ok is false for files that are
// not notices or were already consumed.
func consume(path string, logger *log.Logger) (n Notice, ok bool, err error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return Notice{}, false, nil
	}

	// #nosec G304 - files come from the inbox directory
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Notice{}, false, nil
		}
		return Notice{}, false, fmt.Errorf("failed to read notice %s: %w", base, err)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			// another reader already consumed it
			return Notice{}, false, nil
		}
		logger.Printf("WARNING: failed to remove notice %s: %v", base, err)
	}

	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, false, fmt.Errorf("invalid notice %s: %w", base, err)
	}
	if err := n.Validate(); err != nil {
		return Notice{}, false, fmt.Errorf("invalid notice %s: %w", base, err)
	}
	return n, true, nil
}

func (in *Inbox) sendError(err error) {
	select {
	case in.errors <- err:
	default:
		in.logger.Printf("WARNING: %v", err)
	}
}
