package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceRelay = "wala"

const (
	LabelKind   = "kind"
	LabelCode   = "code"
	LabelResult = "result"
)

type RelayCollector struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	messages    *prometheus.CounterVec
	deliveries  prometheus.Counter
	rejections  *prometheus.CounterVec
	rotations   *prometheus.CounterVec
	storeErrors prometheus.Counter
}

// NewRelayCollector registers the relay's collectors with reg.
func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	factory := promauto.With(reg)
	return &RelayCollector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceRelay,
			Name:      "active_connections",
			Help:      "number of open client connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceRelay,
			Name:      "online_users",
			Help:      "number of registered users currently online",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Name:      "messages_relayed_total",
			Help:      "messages accepted for relay",
		}, []string{LabelKind}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Name:      "deliveries_total",
			Help:      "message-delivered events queued to connections",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Name:      "rejections_total",
			Help:      "requests rejected, by error code",
		}, []string{LabelCode}),
		rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Name:      "key_rotations_total",
			Help:      "relay keypair rotations, by result",
		}, []string{LabelResult}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceRelay,
			Name:      "store_errors_total",
			Help:      "failed writes to the durable store",
		}),
	}
}

func (rc *RelayCollector) ActiveConnections(n int) { rc.connections.Set(float64(n)) }
func (rc *RelayCollector) OnlineUsers(n int)       { rc.onlineUsers.Set(float64(n)) }

func (rc *RelayCollector) MessageRelayed(broadcast bool, deliveries int) {
	kind := "direct"
	if broadcast {
		kind = "broadcast"
	}
	rc.messages.WithLabelValues(kind).Inc()
	rc.deliveries.Add(float64(deliveries))
}

func (rc *RelayCollector) Rejected(code string) {
	rc.rejections.WithLabelValues(code).Inc()
}

func (rc *RelayCollector) KeyRotated(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	rc.rotations.WithLabelValues(result).Inc()
}

func (rc *RelayCollector) StoreError() { rc.storeErrors.Inc() }
