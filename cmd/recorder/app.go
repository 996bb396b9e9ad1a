package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tedsecretsource/sound-recorder/internal/audio"
	"github.com/tedsecretsource/sound-recorder/internal/freesound"
	"github.com/tedsecretsource/sound-recorder/internal/logging"
	"github.com/tedsecretsource/sound-recorder/internal/scheduler"
	"github.com/tedsecretsource/sound-recorder/internal/store"
	recsync "github.com/tedsecretsource/sound-recorder/internal/sync"
)

func fatalf(format string, args ...interface{}) {
	if closeLog != nil {
		_ = closeLog()
	}
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() *store.Store {
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatalf("failed to open recordings database: %v", err)
	}
	return s
}

func newAuthenticator() *freesound.Authenticator {
	return freesound.NewAuthenticator(freesound.AuthConfig{
		BaseURL:      cfg.Freesound.BaseURL,
		ClientID:     cfg.Freesound.ClientID,
		ClientSecret: cfg.Freesound.ClientSecret,
		RedirectURL:  cfg.Freesound.RedirectURL,
		TokenFile:    cfg.Storage.TokenFile,
		Timeout:      cfg.Freesound.Timeout,
	})
}

// newClient returns an authorized Freesound client. It fails when no
// session is stored.
func newClient(ctx context.Context, auth *freesound.Authenticator) (*freesound.Client, error) {
	httpClient, err := auth.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	return freesound.NewClient(freesound.Options{
		BaseURL:        cfg.Freesound.BaseURL,
		HTTPClient:     httpClient,
		MaxRetries:     cfg.Freesound.MaxRetries,
		InitialBackoff: cfg.Freesound.InitialBackoff,
		Logger:         logging.New("freesound"),
	}), nil
}

func newEngine(remote recsync.Remote) *recsync.Engine {
	opts := recsync.DefaultOptions()
	opts.Tag = cfg.Sync.Tag
	opts.License = cfg.Sync.License
	opts.RateLimitBackoff = cfg.Sync.RateLimitBackoff
	opts.Logger = logging.New("sync")
	return recsync.New(remote, audio.Sniffer{}, opts)
}

func schedulerConfig() scheduler.Config {
	return scheduler.Config{
		Debounce:     cfg.Sync.Debounce,
		MinInterval:  cfg.Sync.MinInterval,
		InitialDelay: cfg.Sync.InitialDelay,
		Logger:       logging.New("scheduler"),
	}
}

// notifyChanged tells a running daemon that the store was modified by this
// process.
func notifyChanged() {
	if _, err := scheduler.WriteNotice(cfg.Inbox.Dir, scheduler.Notice{Kind: scheduler.NoticeChanged}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to notify daemon: %v\n", err)
	}
}
