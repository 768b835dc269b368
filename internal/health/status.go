package health

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/model"

	"github.com/yanun0323/logs"
)

const (
	defaultInterval    = time.Second
	defaultPingTimeout = 2 * time.Second
)

// Status is the periodically refreshed health record.
type Status struct {
	ExchangeConnectivity     bool          `json:"exchangeConnectivity"`
	ConnectivityError        string        `json:"connectivityError,omitempty"`
	LastEventProcessedAt     time.Time     `json:"lastEventProcessedAt"`
	HaltedScopes             []model.Scope `json:"haltedScopes"`
	PendingRecoveryConflicts int           `json:"pendingRecoveryConflicts"`
	RecoveryComplete         bool          `json:"recoveryComplete"`
	RefreshedAt              time.Time     `json:"refreshedAt"`
}

// Ready reports whether the process may take new signals.
func (s Status) Ready() bool {
	return s.RecoveryComplete && s.ExchangeConnectivity
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HaltSource interface {
	HaltedScopes(now time.Time) []model.Scope
}

type RecoverySource interface {
	PendingConflicts() int
	Complete() bool
}

// Sources are the collaborators a Monitor reads. Nil sources report their
// zero value.
type Sources struct {
	Exchange  Pinger
	Risk      HaltSource
	Recovery  RecoverySource
	LastEvent func() time.Time
}

// Monitor keeps the latest Status.
type Monitor struct {
	src         Sources
	interval    time.Duration
	pingTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	status Status
}

func NewMonitor(src Sources, interval time.Duration, now func() time.Time) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		src:         src,
		interval:    interval,
		pingTimeout: min(interval*2, defaultPingTimeout),
		now:         now,
	}
}

// Status returns the last refreshed record.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Refresh rebuilds the record from its sources.
func (m *Monitor) Refresh(ctx context.Context) Status {
	now := m.now()
	next := Status{RefreshedAt: now, HaltedScopes: []model.Scope{}}

	if m.src.Exchange != nil {
		pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
		err := m.src.Exchange.Ping(pingCtx)
		cancel()
		next.ExchangeConnectivity = err == nil
		if err != nil {
			next.ConnectivityError = err.Error()
		}
	}
	if m.src.Risk != nil {
		next.HaltedScopes = m.src.Risk.HaltedScopes(now)
	}
	if m.src.Recovery != nil {
		next.PendingRecoveryConflicts = m.src.Recovery.PendingConflicts()
		next.RecoveryComplete = m.src.Recovery.Complete()
	}
	if m.src.LastEvent != nil {
		next.LastEventProcessedAt = m.src.LastEvent()
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if !prev.RefreshedAt.IsZero() && prev.ExchangeConnectivity != next.ExchangeConnectivity {
		if next.ExchangeConnectivity {
			logs.Infof("exchange connectivity restored")
		} else {
			logs.Errorf("exchange connectivity lost, err: %s", next.ConnectivityError)
		}
	}
	return next
}

// Run refreshes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Refresh(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
