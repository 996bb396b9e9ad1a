package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	gosync "sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedsecretsource/sound-recorder/internal/dashboard"
	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/logging"
	"github.com/tedsecretsource/sound-recorder/internal/recording"
	"github.com/tedsecretsource/sound-recorder/internal/scheduler"
	"github.com/tedsecretsource/sound-recorder/internal/store"
	recsync "github.com/tedsecretsource/sound-recorder/internal/sync"
	"github.com/tedsecretsource/sound-recorder/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation pass with Freesound now",
	Long: `Run one sync pass:
  1. Apply uploads that finished in the background (recorder upload)
  2. Upload named and described recordings not yet on Freesound
  3. Push edits made to published recordings
  4. Refresh moderation status
  5. Download app-tagged sounds missing locally
  6. Remove local copies of published sounds deleted on Freesound`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		auth := newAuthenticator()
		if !auth.IsAuthenticated() {
			fatalf("not logged in to Freesound; run 'recorder auth login'")
		}
		client, err := newClient(ctx, auth)
		if err != nil {
			fatalf("%v", err)
		}

		s := openStore()
		defer s.Close()

		engine := newEngine(client)
		engine.SetCallbacks(s)

		sched := scheduler.New(engine, s, auth, schedulerConfig())
		applyNotices(ctx, sched)

		fmt.Printf("%s Syncing with Freesound...\n", ui.RenderAccent("↻"))
		start := time.Now()
		res, err := engine.PerformSync(ctx)
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		printResult(res, time.Since(start))
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep recordings in sync in the background",
	Long: `Run the sync scheduler until interrupted.

The daemon syncs shortly after login or start, whenever recordings change
(debounced, at most every sync.min_interval), after reconnecting, and after
a rate-limit cooldown ends. Other recorder commands notify it through the
inbox directory.

With --dashboard-port, live activity is served over WebSocket:
  ws://localhost:PORT/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("dashboard-port") {
			port, _ = cmd.Flags().GetInt("dashboard-port")
		}

		ctx, cancel := signalContext()
		defer cancel()

		logger := logging.New("daemon")
		auth := newAuthenticator()

		s := openStore()
		defer s.Close()

		var callbacks recsync.Callbacks = s
		var handler *dashboard.Handler
		if port > 0 {
			server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logging.New("dashboard")})
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Printf("WARNING: %v", err)
				}
			}()
			handler = dashboard.NewHandler(server, logging.New("dashboard"))
			callbacks = handler.Observe(s)
			fmt.Printf("Dashboard on http://%s (WebSocket: ws://%s/ws)\n", server.Addr(), server.Addr())
		}

		remote := &lazyRemote{auth: auth}
		engine := newEngine(remote)
		engine.SetCallbacks(callbacks)

		sched := scheduler.New(engine, s, auth, schedulerConfig())
		s.Subscribe(sched.NotifyRecordingsChanged)
		if handler != nil {
			sched.OnSyncComplete(handler.OnSyncComplete)
			sched.OnStatusChange(handler.OnStatus)
		}

		inbox, err := scheduler.NewInbox(cfg.Inbox.Dir, logging.New("inbox"))
		if err != nil {
			fatalf("%v", err)
		}
		sched.WatchInbox(inbox)
		sched.WatchConnectivity(scheduler.NewMonitor(scheduler.MonitorConfig{
			ProbeURL: cfg.Network.ProbeURL,
			Interval: cfg.Network.ProbeInterval,
			Logger:   logging.New("network"),
		}))

		if !auth.IsAuthenticated() {
			logger.Printf("Not logged in; waiting for 'recorder auth login'")
		}
		go watchAuth(ctx, auth, sched)

		logger.Printf("Daemon started (database %s)", s.Path())
		if err := sched.Run(ctx); err != nil {
			fatalf("%v", err)
		}
		logger.Printf("Daemon stopped")
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <id>",
	GroupID: "sync",
	Short:   "Upload one recording now, outside a sync pass",
	Long: `Upload a single recording directly and link it to the new Freesound
sound. While the upload runs, sync passes in the daemon leave the recording
alone. A running daemon is told through an upload-complete notice.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])
		ctx, cancel := signalContext()
		defer cancel()

		auth := newAuthenticator()
		client, err := newClient(ctx, auth)
		if err != nil {
			fatalf("not logged in to Freesound: %v", err)
		}

		s := openStore()
		defer s.Close()

		r, err := s.GetRecording(ctx, id)
		if err != nil {
			fatalf("recording %d: %v", id, err)
		}

		soundID, err := newEngine(client).UploadRecording(ctx, s, id)
		if err != nil {
			fatalf("upload of %q failed: %v", r.Name, err)
		}

		_, err = scheduler.WriteNotice(cfg.Inbox.Dir, scheduler.Notice{
			Kind:        scheduler.NoticeUploadComplete,
			RecordingID: id,
			FreesoundID: soundID,
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to notify daemon: %v\n", err)
		}
		fmt.Printf("%s Uploaded %q as Freesound sound %d\n", ui.RenderPass("✓"), r.Name, soundID)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show recording counts per sync and moderation status",
	Run: func(cmd *cobra.Command, args []string) {
		s := openStore()
		defer s.Close()

		counts, err := s.CountByStatus(context.Background())
		if err != nil {
			fatalf("failed to count recordings: %v", err)
		}

		auth := newAuthenticator()
		if auth.IsAuthenticated() {
			fmt.Printf("%s Logged in to Freesound\n", ui.RenderPass("●"))
		} else {
			fmt.Printf("%s Not logged in\n", ui.RenderWarn("○"))
		}

		fmt.Printf("\n%s %d\n", ui.RenderBold("Recordings:"), counts.Total)
		if counts.PendingEdits > 0 {
			fmt.Printf("   Edits waiting to be pushed: %d\n", counts.PendingEdits)
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Sync:"))
		for _, k := range sortedKeys(counts.Sync) {
			label := k
			if label == "" {
				label = "not attempted"
			}
			fmt.Printf("   %-16s %d\n", label, counts.Sync[recording.SyncStatus(k)])
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Moderation:"))
		for _, k := range sortedKeys(counts.Moderation) {
			label := k
			if label == "" {
				label = "none"
			}
			fmt.Printf("   %-16s %d\n", label, counts.Moderation[recording.ModerationStatus(k)])
		}
	},
}

// lazyRemote authorizes on first use so the daemon can start before login.
// A logout drops the cached client.
type lazyRemote struct {
	auth *freesound.Authenticator

	mu     gosync.Mutex
	client *freesound.Client
}

var (
	_ recsync.Remote       = (*lazyRemote)(nil)
	_ recsync.UploadStore  = (*store.Store)(nil)
	_ recsync.UploadClaims = (*store.Store)(nil)
)

func (l *lazyRemote) get(ctx context.Context) (*freesound.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.IsAuthenticated() {
		l.client = nil
		return nil, freesound.ErrNotAuthenticated
	}
	if l.client != nil {
		return l.client, nil
	}
	client, err := newClient(ctx, l.auth)
	if err != nil {
		return nil, err
	}
	l.client = client
	return client, nil
}

func (l *lazyRemote) UploadSound(ctx context.Context, req freesound.UploadRequest, correlationID string) (*freesound.UploadResponse, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.UploadSound(ctx, req, correlationID)
}

func (l *lazyRemote) GetSoundsByTag(ctx context.Context, tag string) (*freesound.SearchResponse, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetSoundsByTag(ctx, tag)
}

func (l *lazyRemote) GetPendingUploads(ctx context.Context) (*freesound.PendingUploads, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetPendingUploads(ctx)
}

func (l *lazyRemote) DownloadSound(ctx context.Context, sound freesound.Sound) ([]byte, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.DownloadSound(ctx, sound)
}

func (l *lazyRemote) EditSound(ctx context.Context, freesoundID int64, req freesound.EditRequest) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.EditSound(ctx, freesoundID, req)
}

// watchAuth follows logins and logouts made by other recorder processes.
func watchAuth(ctx context.Context, auth *freesound.Authenticator, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.SetAuthenticated(auth.IsAuthenticated())
		}
	}
}

// applyNotices records uploads that finished while no daemon was running.
func applyNotices(ctx context.Context, sched *scheduler.Scheduler) {
	notices, errs := scheduler.ReadNotices(cfg.Inbox.Dir)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	for _, n := range notices {
		if n.Kind != scheduler.NoticeUploadComplete {
			continue
		}
		err := sched.ApplyBackgroundCompletion(ctx, scheduler.Completion{
			RecordingID: n.RecordingID,
			FreesoundID: n.FreesoundID,
			CompletedAt: n.CompletedAt,
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func printResult(res recsync.Result, elapsed time.Duration) {
	mark := ui.RenderPass("✓")
	if len(res.Errors) > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync finished in %v\n", mark, elapsed.Round(time.Millisecond))
	fmt.Printf("   Uploaded:   %d\n", res.Uploaded)
	fmt.Printf("   Downloaded: %d\n", res.Downloaded)
	if res.Edited > 0 {
		fmt.Printf("   Edited:     %d\n", res.Edited)
	}
	if res.Deleted > 0 {
		fmt.Printf("   Removed:    %d\n", res.Deleted)
	}
	for _, e := range res.Errors {
		fmt.Printf("   %s\n", ui.RenderFail(e))
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the live dashboard on this port (0: use dashboard.port)")

	rootCmd.AddCommand(syncCmd, daemonCmd, uploadCmd, statusCmd)
}
