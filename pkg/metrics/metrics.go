package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/pool"
)

// PoolSource reports session pool occupancy.
type PoolSource interface {
	PoolStats() pool.Stats
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	sessionActive   *prometheus.GaugeVec
	sessionTotal    *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	// Negotiation metrics
	negotiations *prometheus.CounterVec
	auth         *prometheus.CounterVec

	// Relay metrics
	frames         *prometheus.CounterVec
	discards       *prometheus.CounterVec
	arpResolutions *prometheus.CounterVec
	pppoeDiscovery *prometheus.CounterVec
	radiusRequests *prometheus.CounterVec
	radiusLatency  prometheus.Histogram

	// Pool metrics
	poolSlots *prometheus.GaugeVec

	// References for collection
	source PoolSource
	logger *zap.Logger
}

// New creates a new Metrics instance. source may be nil.
func New(source PoolSource, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		source: source,
		logger: logger,

		sessionActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "packetmodem_sessions_active",
				Help: "Connected sessions by link mode and stage",
			},
			[]string{"mode", "stage"},
		),

		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_sessions_total",
				Help: "Sessions by outcome",
			},
			[]string{"outcome"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packetmodem_session_duration_seconds",
				Help:    "Time from connect to release",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
			},
		),

		negotiations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_negotiations_total",
				Help: "PPP control protocol directions opened or closed",
			},
			[]string{"protocol", "result"},
		),

		auth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_auth_total",
				Help: "Authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),

		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_frames_total",
				Help: "Frames relayed by direction and kind",
			},
			[]string{"direction", "kind"},
		),

		discards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_discards_total",
				Help: "Frames discarded by reason",
			},
			[]string{"reason"},
		),

		arpResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_arp_resolutions_total",
				Help: "ARP resolutions by result",
			},
			[]string{"result"},
		),

		pppoeDiscovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_pppoe_discovery_total",
				Help: "PPPoE discovery packets by code and direction",
			},
			[]string{"code", "direction"},
		),

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packetmodem_radius_requests_total",
				Help: "RADIUS Access-Requests by result",
			},
			[]string{"result"},
		),

		radiusLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "packetmodem_radius_latency_seconds",
				Help:    "RADIUS Access-Request latency",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
			},
		),

		poolSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "packetmodem_pool_slots",
				Help: "Session pool slots by membership",
			},
			[]string{"state"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.sessionActive,
		m.sessionTotal,
		m.sessionDuration,
		m.negotiations,
		m.auth,
		m.frames,
		m.discards,
		m.arpResolutions,
		m.pppoeDiscovery,
		m.radiusRequests,
		m.radiusLatency,
		m.poolSlots,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// SessionOpened records a guest connecting.
func (m *Metrics) SessionOpened() {
	m.sessionTotal.WithLabelValues("opened").Inc()
}

// SessionClosed records a session being released.
func (m *Metrics) SessionClosed(outcome string, duration time.Duration) {
	m.sessionTotal.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// ResetActive clears the active session gauges before they are set again.
func (m *Metrics) ResetActive() {
	m.sessionActive.Reset()
}

// SetActive sets the count of sessions in one mode and stage.
func (m *Metrics) SetActive(mode, stage string, count int) {
	m.sessionActive.WithLabelValues(mode, stage).Set(float64(count))
}

// Negotiation records a control protocol result.
func (m *Metrics) Negotiation(protocol, result string) {
	m.negotiations.WithLabelValues(protocol, result).Inc()
}

// Auth records an authentication attempt.
func (m *Metrics) Auth(method, result string) {
	m.auth.WithLabelValues(method, result).Inc()
}

// Frame records a relayed frame.
func (m *Metrics) Frame(direction, kind string) {
	m.frames.WithLabelValues(direction, kind).Inc()
}

// Discard records a dropped frame.
func (m *Metrics) Discard(reason string) {
	m.discards.WithLabelValues(reason).Inc()
}

// ARP records an ARP resolution.
func (m *Metrics) ARP(result string) {
	m.arpResolutions.WithLabelValues(result).Inc()
}

// PPPoEDiscovery records a discovery packet.
func (m *Metrics) PPPoEDiscovery(code, direction string) {
	m.pppoeDiscovery.WithLabelValues(code, direction).Inc()
}

// RecordRADIUSRequest records a RADIUS request.
func (m *Metrics) RecordRADIUSRequest(result string, latency time.Duration) {
	m.radiusRequests.WithLabelValues(result).Inc()
	m.radiusLatency.Observe(latency.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// SetSource sets the pool to collect from. Call it before StartCollector.
func (m *Metrics) SetSource(source PoolSource) {
	m.source = source
}

// Collect updates the pool gauges from the source.
func (m *Metrics) Collect() {
	if m.source == nil {
		return
	}
	st := m.source.PoolStats()
	m.poolSlots.WithLabelValues("free").Set(float64(st.Free))
	m.poolSlots.WithLabelValues("allocated").Set(float64(st.Allocated))
	m.poolSlots.WithLabelValues("unusable").Set(float64(st.Unusable))
}

// StartCollector collects every interval until stopCh is closed.
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
