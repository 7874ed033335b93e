package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/session"
)

// Collector exports host session metrics
type Collector struct {
	GetSnapshot   func() session.Snapshot
	TrustDegraded func() bool

	hostInfo *prometheus.Desc

	// Session metrics
	sessionState       *prometheus.Desc
	sessionTransitions *prometheus.Desc
	lastPongAge        *prometheus.Desc

	// Handshake metrics
	handshakesTotal *prometheus.Desc
	pinRotations    *prometheus.Desc
	trustDegraded   *prometheus.Desc

	// Heartbeat metrics
	heartbeatTimeouts *prometheus.Desc
	heartbeatResumes  *prometheus.Desc
	pongsTotal        *prometheus.Desc

	// Stream worker metrics
	workersRunning *prometheus.Desc
	workerStarts   *prometheus.Desc
	workerFailures *prometheus.Desc

	// Control channel
	controlCommands *prometheus.Desc

	metricsLock     sync.RWMutex
	handshakes      map[string]float64
	transitions     map[string]float64
	workerRunning   map[string]float64
	workerSeq       map[string]uint64
	workerStartsN   map[string]float64
	workerFailuresN map[string]float64
	commands        map[string]float64
	timeouts        float64
	resumes         float64
	pongs           float64
	rotations       float64
}

// NewCollector creates the host collector. Either callback may be nil.
func NewCollector(getSnapshot func() session.Snapshot, trustDegraded func() bool) *Collector {
	return &Collector{
		GetSnapshot:   getSnapshot,
		TrustDegraded: trustDegraded,
		hostInfo: prometheus.NewDesc(
			"linuxplay_host_info",
			"Host process info metric (always 1)",
			[]string{"instance_id"},
			nil,
		),
		sessionState: prometheus.NewDesc(
			"linuxplay_session_state",
			"Current session state (1 for the active state, 0 otherwise)",
			[]string{"state", "instance_id"},
			nil,
		),
		sessionTransitions: prometheus.NewDesc(
			"linuxplay_session_transitions_total",
			"Total session state transitions by target state",
			[]string{"state", "instance_id"},
			nil,
		),
		lastPongAge: prometheus.NewDesc(
			"linuxplay_heartbeat_last_pong_age_seconds",
			"Seconds since the session peer's last PONG (absent without a session)",
			[]string{"instance_id"},
			nil,
		),
		handshakesTotal: prometheus.NewDesc(
			"linuxplay_handshakes_total",
			"Total handshake attempts by result",
			[]string{"result", "instance_id"},
			nil,
		),
		pinRotations: prometheus.NewDesc(
			"linuxplay_pin_rotations_total",
			"Total PIN rotations",
			[]string{"instance_id"},
			nil,
		),
		trustDegraded: prometheus.NewDesc(
			"linuxplay_trust_store_degraded",
			"1 when the trust store could not persist and refuses new enrollments",
			[]string{"instance_id"},
			nil,
		),
		heartbeatTimeouts: prometheus.NewDesc(
			"linuxplay_heartbeat_timeouts_total",
			"Total heartbeat timeouts (Active to Reconnecting)",
			[]string{"instance_id"},
			nil,
		),
		heartbeatResumes: prometheus.NewDesc(
			"linuxplay_heartbeat_resumes_total",
			"Total sessions resumed by a PONG inside the reconnect window",
			[]string{"instance_id"},
			nil,
		),
		pongsTotal: prometheus.NewDesc(
			"linuxplay_heartbeat_pongs_total",
			"Total PONG datagrams accepted from the session peer",
			[]string{"instance_id"},
			nil,
		),
		workersRunning: prometheus.NewDesc(
			"linuxplay_stream_worker_running",
			"Stream worker status by name (1=running, 0=stopped)",
			[]string{"worker", "instance_id"},
			nil,
		),
		workerStarts: prometheus.NewDesc(
			"linuxplay_stream_worker_starts_total",
			"Total stream worker launches by name",
			[]string{"worker", "instance_id"},
			nil,
		),
		workerFailures: prometheus.NewDesc(
			"linuxplay_stream_worker_failures_total",
			"Total unexpected stream worker exits by name",
			[]string{"worker", "instance_id"},
			nil,
		),
		controlCommands: prometheus.NewDesc(
			"linuxplay_control_commands_total",
			"Total control commands dispatched by kind",
			[]string{"kind", "instance_id"},
			nil,
		),
		handshakes:      make(map[string]float64),
		transitions:     make(map[string]float64),
		workerRunning:   make(map[string]float64),
		workerSeq:       make(map[string]uint64),
		workerStartsN:   make(map[string]float64),
		workerFailuresN: make(map[string]float64),
		commands:        make(map[string]float64),
	}
}

// InitHandshakeResults exports a zero series for every result so rate
// queries see the label before the first attempt.
func (c *Collector) InitHandshakeResults(results ...string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	for _, r := range results {
		if _, ok := c.handshakes[r]; !ok {
			c.handshakes[r] = 0
		}
	}
}

// RecordHandshake counts a handshake attempt by result
func (c *Collector) RecordHandshake(result string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.handshakes[result]++
}

// RecordTransition counts a state change and derives timeout/resume counters
func (c *Collector) RecordTransition(tr session.Transition) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.transitions[tr.To.String()]++
	switch {
	case tr.From == session.StateActive && tr.To == session.StateReconnecting:
		c.timeouts++
	case tr.From == session.StateReconnecting && tr.To == session.StateActive:
		c.resumes++
	}
}

// RecordPong counts an accepted PONG
func (c *Collector) RecordPong() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.pongs++
}

// RecordPINRotation counts a PIN rotation
func (c *Collector) RecordPINRotation() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.rotations++
}

// RecordWorkerStart marks launch seq of a worker running
func (c *Collector) RecordWorkerStart(name string, seq uint64) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.workerStartsN[name]++
	c.workerRunning[name] = 1
	if seq > c.workerSeq[name] {
		c.workerSeq[name] = seq
	}
}

// RecordWorkerExit marks a worker stopped unless a later launch of the same
// name is already running. Unexpected exits count as failures.
func (c *Collector) RecordWorkerExit(name string, seq uint64, unexpected bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if seq >= c.workerSeq[name] {
		c.workerRunning[name] = 0
	}
	if unexpected {
		c.workerFailuresN[name]++
	}
}

// RecordControlCommand counts a dispatched control command
func (c *Collector) RecordControlCommand(kind string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.commands[kind]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hostInfo
	ch <- c.sessionState
	ch <- c.sessionTransitions
	ch <- c.lastPongAge
	ch <- c.handshakesTotal
	ch <- c.pinRotations
	ch <- c.trustDegraded
	ch <- c.heartbeatTimeouts
	ch <- c.heartbeatResumes
	ch <- c.pongsTotal
	ch <- c.workersRunning
	ch <- c.workerStarts
	ch <- c.workerFailures
	ch <- c.controlCommands
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	id := logging.GetInstanceID()
	ch <- prometheus.MustNewConstMetric(c.hostInfo, prometheus.GaugeValue, 1, id)

	if c.GetSnapshot != nil {
		snap := c.GetSnapshot()
		for _, st := range session.AllStates() {
			v := 0.0
			if st == snap.State {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.sessionState, prometheus.GaugeValue, v, st.String(), id)
		}
		if snap.Session != nil && !snap.LastPong.IsZero() {
			age := time.Since(snap.LastPong).Seconds()
			ch <- prometheus.MustNewConstMetric(c.lastPongAge, prometheus.GaugeValue, age, id)
		}
	}
	if c.TrustDegraded != nil {
		v := 0.0
		if c.TrustDegraded() {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.trustDegraded, prometheus.GaugeValue, v, id)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for result, value := range c.handshakes {
		ch <- prometheus.MustNewConstMetric(c.handshakesTotal, prometheus.CounterValue, value, result, id)
	}
	for state, value := range c.transitions {
		ch <- prometheus.MustNewConstMetric(c.sessionTransitions, prometheus.CounterValue, value, state, id)
	}
	for name, value := range c.workerRunning {
		ch <- prometheus.MustNewConstMetric(c.workersRunning, prometheus.GaugeValue, value, name, id)
	}
	for name, value := range c.workerStartsN {
		ch <- prometheus.MustNewConstMetric(c.workerStarts, prometheus.CounterValue, value, name, id)
	}
	for name, value := range c.workerFailuresN {
		ch <- prometheus.MustNewConstMetric(c.workerFailures, prometheus.CounterValue, value, name, id)
	}
	for kind, value := range c.commands {
		ch <- prometheus.MustNewConstMetric(c.controlCommands, prometheus.CounterValue, value, kind, id)
	}
	ch <- prometheus.MustNewConstMetric(c.heartbeatTimeouts, prometheus.CounterValue, c.timeouts, id)
	ch <- prometheus.MustNewConstMetric(c.heartbeatResumes, prometheus.CounterValue, c.resumes, id)
	ch <- prometheus.MustNewConstMetric(c.pongsTotal, prometheus.CounterValue, c.pongs, id)
	ch <- prometheus.MustNewConstMetric(c.pinRotations, prometheus.CounterValue, c.rotations, id)
}
