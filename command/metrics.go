// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package command

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the command server keeps live as its state machines
// transition, the ambient observability surface described in the spec's metrics snapshot.
type Metrics struct {
	workersByState   *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	pendingOrders    prometheus.Gauge
	upgradeGen       prometheus.Gauge
	ordersDispatched prometheus.Counter
	ordersFailed     prometheus.Counter
}

// NewMetrics constructs and registers a fresh set of collectors against registry. Passing a
// dedicated registry (rather than the global default) keeps tests that construct several
// servers from colliding on metric names.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		workersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "workers",
			Help:      "Number of workers currently in each run_state.",
		}, []string{"run_state"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "worker_queue_depth",
			Help:      "Number of orders not yet taken by the worker's channel, per worker.",
		}, []string{"worker_id"}),

		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "pending_orders",
			Help:      "Number of in-flight correlation entries awaiting a client reply.",
		}),

		upgradeGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "upgrade_generation",
			Help:      "Number of upgrades this running master has witnessed.",
		}),

		ordersDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "orders_dispatched_total",
			Help:      "Total orders dispatched to workers.",
		}),

		ordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigil",
			Subsystem: "master",
			Name:      "orders_failed_total",
			Help:      "Total failure replies received from workers.",
		}),
	}

	registry.MustRegister(
		m.workersByState,
		m.queueDepth,
		m.pendingOrders,
		m.upgradeGen,
		m.ordersDispatched,
		m.ordersFailed,
	)

	return m
}

func (m *Metrics) setWorkerCounts(counts map[RunState]int) {
	for _, s := range []RunState{RunRunning, RunStopping, RunStopped, RunNotAnswering} {
		m.workersByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (m *Metrics) setQueueDepth(workerID uint32, depth int) {
	m.queueDepth.WithLabelValues(fmt.Sprintf("%d", workerID)).Set(float64(depth))
}

func (m *Metrics) setPendingOrders(n int) {
	m.pendingOrders.Set(float64(n))
}

func (m *Metrics) setGeneration(gen int) {
	m.upgradeGen.Set(float64(gen))
}

// renderMetrics produces the text summary returned for a `metrics` or `status` ConfigMessage, so an
// operator can ask for a human-readable snapshot without standing up a separate scrape client.
func (s *Server) renderMetrics() string {
	counts := map[RunState]int{}
	ids := make([]uint32, 0, len(s.workers))
	for id, w := range s.workers {
		counts[w.RunState]++
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := fmt.Sprintf("generation=%d pending_orders=%d\n", s.generation, len(s.pending))
	for _, s2 := range []RunState{RunRunning, RunStopping, RunStopped, RunNotAnswering} {
		out += fmt.Sprintf("workers[%v]=%d\n", s2, counts[s2])
	}
	for _, id := range ids {
		w := s.workers[id]
		out += fmt.Sprintf("worker[%d] pid=%d state=%v queue_depth=%d\n", id, w.PID, w.RunState, len(w.Queue))
	}

	apps := s.State.Applications()
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	out += fmt.Sprintf("applications=%d\n", len(apps))
	for _, a := range apps {
		out += fmt.Sprintf("application[%s] backends=%d sticky_session=%v\n", a.Name, len(a.BackendNames), a.StickySession)
	}

	return out
}
