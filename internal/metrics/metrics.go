package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "yogaforpe"

// Metrics 服务指标集合，各组件允许传入 nil
type Metrics struct {
	// AccessDecisions 按所需等级和判定路径统计放行/拒绝次数
	AccessDecisions *prometheus.CounterVec
	// WebhookEvents 按事件类型和处理结果统计 webhook
	WebhookEvents *prometheus.CounterVec
	// ReconcileSkips 已确认但未修改订阅的计费事件
	ReconcileSkips   *prometheus.CounterVec
	CheckoutSessions *prometheus.CounterVec
	TokenReissues    *prometheus.CounterVec
	// WebhookDuration webhook 处理耗时
	WebhookDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Access decisions by required tier, path and result.",
		}, []string{"required_tier", "path", "result"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		ReconcileSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reconcile_skips_total",
			Help:      "Billing events skipped by reason.",
		}, []string{"reason"}),
		CheckoutSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_sessions_total",
			Help:      "Checkout session attempts by requested tier and outcome.",
		}, []string{"tier", "outcome"}),
		TokenReissues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "token_reissues_total",
			Help:      "Session token reissues by outcome.",
		}, []string{"outcome"}),
		WebhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Billing webhook processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
}

func (m *Metrics) AccessDecision(requiredTier, path string, granted bool) {
	if m == nil {
		return
	}
	result := "deny"
	if granted {
		result = "grant"
	}
	m.AccessDecisions.WithLabelValues(requiredTier, path, result).Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveWebhook(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.WebhookDuration.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) ReconcileSkip(reason string) {
	if m == nil {
		return
	}
	m.ReconcileSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) CheckoutSession(tier, outcome string) {
	if m == nil {
		return
	}
	m.CheckoutSessions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) TokenReissue(outcome string) {
	if m == nil {
		return
	}
	m.TokenReissues.WithLabelValues(outcome).Inc()
}
