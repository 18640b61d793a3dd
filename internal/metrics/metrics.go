// Package metrics provides a Prometheus-backed implementation of
// raftcore.MetricsCollector, grounded on the teacher pack's
// observability/metrics.Prometheus (rather than on the teacher repo
// itself, which records metrics only through a narrower ad hoc
// MetricsCollector interface with no Prometheus backing).
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements raftcore.MetricsCollector for one node, identified
// by nodeID on every exported series so a single scrape target can serve
// metrics for a multi-node test cluster without series collisions.
type Prometheus struct {
	nodeID string

	commandLatency    *prometheus.HistogramVec
	commandsCommitted *prometheus.CounterVec
	appendEntries     *prometheus.CounterVec
	requestVotes      *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	installSnapshots  *prometheus.CounterVec
	elections         *prometheus.CounterVec
	electionDuration  *prometheus.HistogramVec
	role              *prometheus.GaugeVec
	term              *prometheus.GaugeVec
}

// NewPrometheus constructs and registers a Prometheus collector for
// nodeID. Passing a nil reg registers against prometheus.DefaultRegisterer,
// matching the teacher pack's convention.
func NewPrometheus(nodeID string, reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		nodeID: nodeID,
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "logkv",
				Name:      "command_commit_latency_seconds",
				Help:      "Time from Propose to majority commitment of a PUT command.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
			},
			[]string{"node_id"},
		),
		commandsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "commands_committed_total",
				Help:      "Total PUT commands committed by this node while leader.",
			},
			[]string{"node_id"},
		),
		appendEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "append_entries_total",
				Help:      "Total AppendEntries RPCs handled by this node.",
			},
			[]string{"node_id"},
		),
		requestVotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "request_vote_total",
				Help:      "Total RequestVote RPCs handled by this node.",
			},
			[]string{"node_id"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "heartbeat_total",
				Help:      "Total HEARTBEAT RPCs handled by this node.",
			},
			[]string{"node_id"},
		),
		installSnapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "install_snapshot_total",
				Help:      "Total InstallSnapshot RPCs handled by this node.",
			},
			[]string{"node_id"},
		),
		elections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "logkv",
				Name:      "elections_started_total",
				Help:      "Total elections this node began as candidate.",
			},
			[]string{"node_id"},
		),
		electionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "logkv",
				Name:      "election_duration_seconds",
				Help:      "Time from starting an election to winning it.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
			},
			[]string{"node_id"},
		),
		role: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "logkv",
				Name:      "role",
				Help:      "1 for the role_name this node currently holds (Follower, Candidate, Leader), 0 for the others.",
			},
			[]string{"node_id", "role_name"},
		),
		term: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "logkv",
				Name:      "current_term",
				Help:      "Current Raft term observed by this node.",
			},
			[]string{"node_id"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.commandLatency); err != nil {
		return fmt.Errorf("register command latency histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.commandsCommitted); err != nil {
		return fmt.Errorf("register commands committed counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.appendEntries); err != nil {
		return fmt.Errorf("register append entries counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.requestVotes); err != nil {
		return fmt.Errorf("register request vote counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.heartbeats); err != nil {
		return fmt.Errorf("register heartbeat counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.installSnapshots); err != nil {
		return fmt.Errorf("register install snapshot counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.elections); err != nil {
		return fmt.Errorf("register elections counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.electionDuration); err != nil {
		return fmt.Errorf("register election duration histogram: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.role); err != nil {
		return fmt.Errorf("register role gauge: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.term); err != nil {
		return fmt.Errorf("register term gauge: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) RecordCommandLatency(latency time.Duration) {
	m.commandLatency.WithLabelValues(m.nodeID).Observe(latency.Seconds())
}

func (m *Prometheus) RecordCommandCommitted() {
	m.commandsCommitted.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordAppendEntries() {
	m.appendEntries.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordRequestVote() {
	m.requestVotes.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordHeartbeat() {
	m.heartbeats.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordInstallSnapshot() {
	m.installSnapshots.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordElection() {
	m.elections.WithLabelValues(m.nodeID).Inc()
}

func (m *Prometheus) RecordElectionDuration(duration time.Duration) {
	m.electionDuration.WithLabelValues(m.nodeID).Observe(duration.Seconds())
}

func (m *Prometheus) SetRole(role string) {
	for _, name := range []string{"Follower", "Candidate", "Leader"} {
		value := 0.0
		if name == role {
			value = 1.0
		}
		m.role.WithLabelValues(m.nodeID, name).Set(value)
	}
}

func (m *Prometheus) SetTerm(term uint64) {
	m.term.WithLabelValues(m.nodeID).Set(float64(term))
}
