// Package connectivity tracks whether the remote backend is reachable.
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/logging"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

type Options struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// InitialOffline starts the monitor offline. The default is online.
	InitialOffline bool
	HTTPClient     *http.Client
	Logger         logrus.FieldLogger
}

// Monitor holds the online flag and fans transitions out to subscribers.
type Monitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	log      logrus.FieldLogger

	mu          sync.RWMutex
	online      bool
	subscribers map[int]chan bool
	nextID      int
}

func NewMonitor(opts Options) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Monitor{
		probeURL:    strings.TrimSpace(opts.ProbeURL),
		interval:    opts.ProbeInterval,
		timeout:     opts.ProbeTimeout,
		client:      opts.HTTPClient,
		log:         logging.OrDiscard(opts.Logger).WithField("component", "connectivity"),
		online:      !opts.InitialOffline,
		subscribers: map[int]chan bool{},
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline overrides the current state. Subscribers are notified only when
// the value changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, 0, len(m.subscribers))
	for _, ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.log.WithField("online", online).Info("connectivity changed")
	for _, ch := range subs {
		// keep only the latest state for slow subscribers
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe returns a channel of transitions and a function that stops
// delivery. The channel is not closed by the cancel function.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Probe issues one HEAD request and updates the state. Without a probe URL
// the current state is returned unchanged.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.probeURL, nil)
	if err == nil {
		resp, doErr := m.client.Do(req)
		if doErr == nil {
			_ = resp.Body.Close()
			// any answer from the server means it is reachable
			online = true
		} else {
			m.log.WithError(doErr).Debug("connectivity probe failed")
		}
	}
	if ctx.Err() != nil {
		// shutting down, not a connectivity signal
		return m.Online()
	}
	m.SetOnline(online)
	return online
}

// Run probes immediately and then every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
