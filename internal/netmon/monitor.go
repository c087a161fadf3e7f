package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectionType classifies the active network link.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionNone     ConnectionType = "none"
)

// State is a snapshot of connectivity. Transient, never persisted.
type State struct {
	IsOnline       bool
	ConnectionType ConnectionType
	LastChecked    time.Time
}

// Monitor reports connectivity and broadcasts transitions.
type Monitor interface {
	IsOnline() bool
	State() State
	AddListener(fn func(State)) func()
}

// HTTPMonitor probes a URL periodically to decide online/offline. The
// gateway can also push link state it learned from the platform via SetState.
type HTTPMonitor struct {
	probeURL      string
	checkInterval time.Duration
	client        *http.Client
	logger        *zap.Logger

	mu        sync.RWMutex
	state     State
	nextID    int
	listeners map[int]func(State)
}

// NewHTTPMonitor creates a monitor that probes probeURL every checkInterval.
func NewHTTPMonitor(probeURL string, checkInterval, probeTimeout time.Duration, logger *zap.Logger) *HTTPMonitor {
	return &HTTPMonitor{
		probeURL:      probeURL,
		checkInterval: checkInterval,
		client:        &http.Client{Timeout: probeTimeout},
		logger:        logger,
		state:         State{IsOnline: false, ConnectionType: ConnectionNone},
		listeners:     make(map[int]func(State)),
	}
}

// IsOnline reports the last observed connectivity.
func (m *HTTPMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline
}

// State returns the last observed network state.
func (m *HTTPMonitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AddListener registers fn for state transitions and returns an unsubscribe
// function. Listeners fire only when the online/offline verdict changes.
func (m *HTTPMonitor) AddListener(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetState pushes externally observed link state (e.g. from the platform's
// connectivity API) without waiting for the next probe.
func (m *HTTPMonitor) SetState(online bool, connType ConnectionType) {
	m.apply(State{
		IsOnline:       online,
		ConnectionType: connType,
		LastChecked:    time.Now(),
	})
}

// Start runs the periodic probe loop until ctx is cancelled.
func (m *HTTPMonitor) Start(ctx context.Context) {
	m.logger.Info("network monitor started",
		zap.String("probe_url", m.probeURL),
		zap.Duration("interval", m.checkInterval))

	// Probe once up front so consumers do not wait a full interval for the
	// first verdict.
	m.probe(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("network monitor stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *HTTPMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Error("failed to build probe request", zap.Error(err))
		return
	}

	online := false
	connType := ConnectionNone

	resp, err := m.client.Do(req)
	if err == nil {
		resp.Body.Close()
		online = resp.StatusCode < http.StatusInternalServerError
		if online {
			connType = m.currentConnType()
		}
	}

	m.apply(State{IsOnline: online, ConnectionType: connType, LastChecked: time.Now()})
}

// currentConnType keeps an externally pushed link type across probes; a bare
// probe cannot distinguish wifi from cellular, so wifi is the default guess.
func (m *HTTPMonitor) currentConnType() ConnectionType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.ConnectionType != ConnectionNone {
		return m.state.ConnectionType
	}
	return ConnectionWifi
}

func (m *HTTPMonitor) apply(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	var fns []func(State)
	if prev.IsOnline != next.IsOnline {
		fns = make([]func(State), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if fns == nil {
		return
	}

	m.logger.Info("connectivity changed",
		zap.Bool("online", next.IsOnline),
		zap.String("connection_type", string(next.ConnectionType)))

	for _, fn := range fns {
		fn(next)
	}
}
