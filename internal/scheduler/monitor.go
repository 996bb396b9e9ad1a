package scheduler

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Prober checks connectivity once. A nil error means online.
type Prober func(ctx context.Context) error

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// ProbeURL is requested with HEAD on every check
	ProbeURL string

	// Interval between checks (default: 15s)
	Interval time.Duration

	// Timeout per check (default: 5s)
	Timeout time.Duration

	// Prober overrides the HTTP probe
	Prober Prober

	// Logger for transitions
	Logger *log.Logger
}

// Monitor polls for network connectivity and reports transitions.
type Monitor struct {
	cfg    MonitorConfig
	probe  Prober
	events chan bool
	logger *log.Logger

	mu    sync.Mutex
	known bool
	state bool
}

// NewMonitor creates a Monitor. Without a ProbeURL or Prober the monitor
// always reports online.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[network] ", log.LstdFlags)
	}

	m := &Monitor{
		cfg:    cfg,
		events: make(chan bool, 1),
		logger: cfg.Logger,
	}
	switch {
	case cfg.Prober != nil:
		m.probe = cfg.Prober
	case cfg.ProbeURL != "":
		client := &http.Client{Timeout: cfg.Timeout}
		m.probe = httpProbe(client, cfg.ProbeURL)
	default:
		m.probe = func(context.Context) error { return nil }
	}
	return m
}

func httpProbe(client *http.Client, url string) Prober {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe returned %d", resp.StatusCode)
		}
		return nil
	}
}

// Events delivers the online state after the first check and on every
// transition. Only the latest state is buffered.
func (m *Monitor) Events() <-chan bool {
	return m.events
}

// Online returns the last observed state (true before the first check).
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.known || m.state
}

// Check probes once, publishes a transition if there was one and returns
// the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.probe(ctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.state != online
	m.known = true
	m.state = online
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Printf("Network is online")
		} else {
			m.logger.Printf("Network is offline: %v", err)
		}
		m.publish(online)
	}
	return online
}

func (m *Monitor) publish(online bool) {
	for {
		select {
		case m.events <- online:
			return
		default:
		}
		// replace a stale unread state
		select {
		case <-m.events:
		default:
		}
	}
}

// Run checks immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
