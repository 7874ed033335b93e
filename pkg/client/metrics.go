package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxplay/pkg/logging"
)

// metricsCollector exports client-side decoder and link metrics.
// This is separate from the host's linuxplay_* session metrics.
type metricsCollector struct {
	info           *prometheus.Desc
	decoderStarts  *prometheus.Desc
	decoderExits   *prometheus.Desc
	decoderRunning *prometheus.Desc
	demotions      *prometheus.Desc
	linkLost       *prometheus.Desc
	linkUp         *prometheus.Desc

	// state
	mu       sync.RWMutex
	starts   map[string]float64            // worker -> count
	exits    map[string]map[string]float64 // worker -> reason -> count
	running  map[string]float64            // worker -> gauge
	demoted  float64
	lost     float64
	linkDown bool
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		info: prometheus.NewDesc(
			"linuxplay_client_info",
			"Client process info metric (always 1)",
			[]string{"instance_id"},
			nil,
		),
		decoderStarts: prometheus.NewDesc(
			"linuxplay_client_decoder_starts_total",
			"Total number of decoder launches (by worker)",
			[]string{"worker", "instance_id"},
			nil,
		),
		decoderExits: prometheus.NewDesc(
			"linuxplay_client_decoder_exits_total",
			"Total number of decoder exits (by worker and reason)",
			[]string{"worker", "reason", "instance_id"},
			nil,
		),
		decoderRunning: prometheus.NewDesc(
			"linuxplay_client_decoder_running",
			"Whether the decoder process is currently running (by worker)",
			[]string{"worker", "instance_id"},
			nil,
		),
		demotions: prometheus.NewDesc(
			"linuxplay_client_hwaccel_demotions_total",
			"Hardware decode demotions to software (at most 1 per process)",
			[]string{"instance_id"},
			nil,
		),
		linkLost: prometheus.NewDesc(
			"linuxplay_client_link_lost_total",
			"Times the host stopped sending PING for longer than the lost threshold",
			[]string{"instance_id"},
			nil,
		),
		linkUp: prometheus.NewDesc(
			"linuxplay_client_link_up",
			"1 while PINGs from the host are arriving, 0 otherwise",
			[]string{"instance_id"},
			nil,
		),
		starts:  make(map[string]float64),
		exits:   make(map[string]map[string]float64),
		running: make(map[string]float64),
	}
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.info
	ch <- m.decoderStarts
	ch <- m.decoderExits
	ch <- m.decoderRunning
	ch <- m.demotions
	ch <- m.linkLost
	ch <- m.linkUp
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	id := logging.GetInstanceID()
	ch <- prometheus.MustNewConstMetric(m.info, prometheus.GaugeValue, 1, id)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, v := range m.starts {
		ch <- prometheus.MustNewConstMetric(m.decoderStarts, prometheus.CounterValue, v, name, id)
	}
	for name, byReason := range m.exits {
		for reason, v := range byReason {
			ch <- prometheus.MustNewConstMetric(m.decoderExits, prometheus.CounterValue, v, name, reason, id)
		}
	}
	for name, v := range m.running {
		ch <- prometheus.MustNewConstMetric(m.decoderRunning, prometheus.GaugeValue, v, name, id)
	}
	ch <- prometheus.MustNewConstMetric(m.demotions, prometheus.CounterValue, m.demoted, id)
	ch <- prometheus.MustNewConstMetric(m.linkLost, prometheus.CounterValue, m.lost, id)
	up := 1.0
	if m.linkDown {
		up = 0
	}
	ch <- prometheus.MustNewConstMetric(m.linkUp, prometheus.GaugeValue, up, id)
}

func (m *metricsCollector) recordDecoderStart(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[name]++
	m.running[name] = 1
}

func (m *metricsCollector) recordDecoderExit(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exits[name]; !ok {
		m.exits[name] = make(map[string]float64)
	}
	m.exits[name][reason]++
	m.running[name] = 0
}

func (m *metricsCollector) recordDemotion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demoted++
}

func (m *metricsCollector) recordLinkLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost++
	m.linkDown = true
}

func (m *metricsCollector) recordLinkRestored() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkDown = false
}
