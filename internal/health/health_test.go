package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type fakeExchange struct {
	mu  sync.Mutex
	err error
}

func (f *fakeExchange) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeExchange) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeRisk struct {
	halted  []model.Scope
	cleared []model.Scope
}

func (f *fakeRisk) HaltedScopes(time.Time) []model.Scope {
	return f.halted
}

func (f *fakeRisk) Clear(_ context.Context, scope model.Scope) error {
	for i, s := range f.halted {
		if s == scope {
			f.halted = append(f.halted[:i], f.halted[i+1:]...)
			f.cleared = append(f.cleared, scope)
			return nil
		}
	}
	return errors.Wrapf(exception.ErrRiskUnknownScope, "scope %s", scope)
}

type fakeRecovery struct {
	complete  bool
	conflicts map[string]model.RecoveryConflict
}

func (f *fakeRecovery) PendingConflicts() int {
	n := 0
	for _, c := range f.conflicts {
		if c.Pending() {
			n++
		}
	}
	return n
}

func (f *fakeRecovery) Complete() bool {
	return f.complete
}

func (f *fakeRecovery) Conflicts() []model.RecoveryConflict {
	result := make([]model.RecoveryConflict, 0, len(f.conflicts))
	for _, c := range f.conflicts {
		result = append(result, c)
	}
	return result
}

func (f *fakeRecovery) Acknowledge(_ context.Context, id string) (model.RecoveryConflict, error) {
	c, ok := f.conflicts[id]
	if !ok {
		return model.RecoveryConflict{}, errors.Wrapf(exception.ErrRecoveryUnknownConflict, "id %s", id)
	}
	c.Acknowledged = true
	f.conflicts[id] = c
	return c, nil
}

type fixture struct {
	exchange *fakeExchange
	risk     *fakeRisk
	recovery *fakeRecovery
	monitor  *Monitor
	server   *Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		exchange: &fakeExchange{},
		risk:     &fakeRisk{halted: []model.Scope{{Symbol: "BTCUSDT", StrategyID: "s1"}}},
		recovery: &fakeRecovery{complete: true, conflicts: map[string]model.RecoveryConflict{
			"c1": {ID: "c1", Kind: model.ConflictPositionSize, Symbol: "ETHUSDT"},
		}},
	}
	f.monitor = NewMonitor(Sources{
		Exchange:  f.exchange,
		Risk:      f.risk,
		Recovery:  f.recovery,
		LastEvent: func() time.Time { return t0.Add(-time.Second) },
	}, time.Second, func() time.Time { return t0 })
	f.server = NewServer(ServerConfig{Addr: ":0"}, f.monitor, f.risk, f.recovery)
	return f
}

func do(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf
}

func TestMonitorRefresh(t *testing.T) {
	f := newFixture(t)

	status := f.monitor.Refresh(t.Context())
	assert.True(t, status.ExchangeConnectivity)
	assert.Equal(t, t0.Add(-time.Second), status.LastEventProcessedAt)
	assert.Equal(t, []model.Scope{{Symbol: "BTCUSDT", StrategyID: "s1"}}, status.HaltedScopes)
	assert.Equal(t, 1, status.PendingRecoveryConflicts)
	assert.True(t, status.Ready())

	f.exchange.set(errors.Wrap(exception.ErrGatewayTransient, "disconnected"))
	status = f.monitor.Refresh(t.Context())
	assert.False(t, status.ExchangeConnectivity)
	assert.NotEmpty(t, status.ConnectivityError)
	assert.False(t, status.Ready())
	assert.Equal(t, status, f.monitor.Status())
}

func TestEndpoints(t *testing.T) {
	testCases := []struct {
		desc       string
		disconnect bool
		method     string
		path       string
		body       string
		code       int
	}{
		{desc: "live", method: http.MethodGet, path: "/livez", code: http.StatusOK},
		{desc: "health", method: http.MethodGet, path: "/healthz", code: http.StatusOK},
		{desc: "ready", method: http.MethodGet, path: "/readyz", code: http.StatusOK},
		{desc: "not ready while disconnected", disconnect: true, method: http.MethodGet, path: "/readyz", code: http.StatusServiceUnavailable},
		{desc: "conflicts", method: http.MethodGet, path: "/conflicts", code: http.StatusOK},
		{desc: "ack conflict", method: http.MethodPost, path: "/conflicts/ack", body: `{"id":"c1"}`, code: http.StatusOK},
		{desc: "ack unknown conflict", method: http.MethodPost, path: "/conflicts/ack", body: `{"id":"nope"}`, code: http.StatusNotFound},
		{desc: "ack without id", method: http.MethodPost, path: "/conflicts/ack", body: `{}`, code: http.StatusBadRequest},
		{desc: "clear scope", method: http.MethodPost, path: "/scopes/clear", body: `{"symbol":"BTCUSDT","strategyId":"s1"}`, code: http.StatusOK},
		{desc: "clear unknown scope", method: http.MethodPost, path: "/scopes/clear", body: `{"symbol":"XRPUSDT"}`, code: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			if tc.disconnect {
				f.exchange.set(errors.Wrap(exception.ErrGatewayTransient, "disconnected"))
			}
			f.monitor.Refresh(t.Context())

			code, _ := do(t, f.server, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestHealthBody(t *testing.T) {
	f := newFixture(t)
	f.monitor.Refresh(t.Context())

	code, body := do(t, f.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)

	var status Status
	require.NoError(t, sonic.Unmarshal(body, &status))
	assert.True(t, status.RecoveryComplete)
	assert.Equal(t, 1, status.PendingRecoveryConflicts)
	assert.Len(t, status.HaltedScopes, 1)
}

func TestOperatorActionsRefreshStatus(t *testing.T) {
	f := newFixture(t)
	f.monitor.Refresh(t.Context())

	code, _ := do(t, f.server, http.MethodPost, "/conflicts/ack", `{"id":"c1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, f.monitor.Status().PendingRecoveryConflicts)

	code, _ = do(t, f.server, http.MethodPost, "/scopes/clear", `{"symbol":"BTCUSDT","strategyId":"s1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.monitor.Status().HaltedScopes)
	assert.Equal(t, []model.Scope{{Symbol: "BTCUSDT", StrategyID: "s1"}}, f.risk.cleared)
}
