package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsCurrent tracks current WebSocket sessions.
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_current",
		Help: "Current number of WebSocket sessions",
	})

	// MessagesQueuedTotal tracks messages accepted into the relay store.
	MessagesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_queued_total",
		Help: "Total messages persisted to the relay store",
	})

	// MessagesPushedTotal tracks frames handed to a live session.
	MessagesPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_pushed_total",
		Help: "Total messages pushed to online recipients",
	})

	// PushFailuresTotal tracks pushes that fell back to the queue.
	PushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_failures_total",
		Help: "Total live pushes that failed and were left queued",
	})

	// MessagesAcknowledgedTotal tracks acknowledgments that removed a message.
	MessagesAcknowledgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_acknowledged_total",
		Help: "Total messages acknowledged and removed",
	})

	// DuplicateAcksTotal tracks acknowledgments for ids already gone.
	DuplicateAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_acks_total",
		Help: "Total acknowledgments for unknown or already removed messages",
	})

	// MessagesExpiredTotal tracks total messages expired.
	MessagesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_expired_total",
		Help: "Total messages expired and removed",
	})

	// StoreErrorsTotal tracks total store errors.
	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Total store errors",
	})

	// MessagesDroppedTotal tracks frames dropped because a session queue was full.
	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_dropped_total",
		Help: "Total frames dropped due to a full session send queue",
	})

	// RateLimitedTotal tracks sends rejected by the per-identity limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "send_rate_limited_total",
		Help: "Total sends rejected by rate limiting",
	})
)

// IncrementExpired adds n to the expired messages counter.
func IncrementExpired(n int) {
	MessagesExpiredTotal.Add(float64(n))
}

// IncrementQueued increments the queued messages counter.
func IncrementQueued() {
	MessagesQueuedTotal.Inc()
}

// IncrementPushed increments the pushed messages counter.
func IncrementPushed() {
	MessagesPushedTotal.Inc()
}

// IncrementPushFailures increments the failed push counter.
func IncrementPushFailures() {
	PushFailuresTotal.Inc()
}

// IncrementAcknowledged increments the acknowledged messages counter.
func IncrementAcknowledged() {
	MessagesAcknowledgedTotal.Inc()
}

// IncrementDuplicateAcks increments the duplicate acknowledgment counter.
func IncrementDuplicateAcks() {
	DuplicateAcksTotal.Inc()
}

// IncrementStoreErrors increments the store errors counter.
func IncrementStoreErrors() {
	StoreErrorsTotal.Inc()
}

// IncrementDropped increments the dropped frames counter.
func IncrementDropped() {
	MessagesDroppedTotal.Inc()
}

// IncrementRateLimited increments the rate limited sends counter.
func IncrementRateLimited() {
	RateLimitedTotal.Inc()
}
