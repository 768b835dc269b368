package obs

import (
	"context"

	"tradecore/internal/bus"
	"tradecore/internal/model"

	"github.com/yanun0323/logs"
)

// Publisher is the part of the event bus the auditor needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Auditor logs, counts and publishes every rejection, halt transition, retry
// and recovery conflict exactly once.
type Auditor struct {
	pub     Publisher
	metrics *Metrics
}

// NewAuditor returns an auditor. pub may be nil, then events are only logged
// and counted.
func NewAuditor(pub Publisher, metrics *Metrics) *Auditor {
	return &Auditor{pub: pub, metrics: metrics}
}

// Metrics returns the counters the auditor writes to.
func (a *Auditor) Metrics() *Metrics {
	if a == nil {
		return nil
	}
	return a.metrics
}

func (a *Auditor) Rejection(ctx context.Context, r model.Rejection) {
	if a == nil {
		return
	}
	logs.Infof("signal rejected, scope: %s, reason: %s, detail: %s", r.Scope, r.Reason, r.Detail)
	a.metrics.IncRejection(r.Reason)
	a.publish(ctx, bus.TopicAuditRejection, r)
}

func (a *Auditor) Halt(ctx context.Context, h model.HaltTransition) {
	if a == nil {
		return
	}
	if h.Halted {
		logs.Errorf("risk scope halted, scope: %s, policy: %s, reason: %s, until: %s", h.Scope, h.Policy, h.Reason, h.HaltedUntil)
	} else {
		logs.Infof("risk scope resumed, scope: %s, reason: %s", h.Scope, h.Reason)
	}
	a.metrics.IncHalt(h.Halted)
	a.publish(ctx, bus.TopicAuditHalt, h)
}

func (a *Auditor) Retry(ctx context.Context, n model.RetryNotice) {
	if a == nil {
		return
	}
	logs.Infof("order submit retry, client order id: %s, symbol: %s, attempt: %d, err: %s", n.ClientOrderID, n.Symbol, n.Attempt, n.Error)
	a.metrics.IncRetry()
	a.publish(ctx, bus.TopicAuditRetry, n)
}

func (a *Auditor) Conflict(ctx context.Context, c model.RecoveryConflict) {
	if a == nil {
		return
	}
	logs.Errorf("recovery conflict, id: %s, kind: %s, symbol: %s, order: %s, local: %s, exchange: %s, auto resolved: %t, detail: %s",
		c.ID, c.Kind, c.Symbol, c.ClientOrderID, c.Local, c.Exchange, c.AutoResolved, c.Detail)
	a.metrics.IncConflict(c.Kind)
	a.publish(ctx, bus.TopicAuditConflict, c)
}

func (a *Auditor) publish(ctx context.Context, topic string, payload any) {
	if a.pub == nil {
		return
	}
	if err := a.pub.Publish(ctx, topic, payload); err != nil {
		logs.Errorf("publish %s, err: %+v", topic, err)
	}
}
