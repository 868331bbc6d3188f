package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "aster_rotator"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry     *prometheus.Registry
	ordersPlaced prometheus.Counter
	ordersFailed prometheus.Counter
	pairsOpened  prometheus.Counter
	pairsRotated prometheus.Counter
	riskCloses   prometheus.Counter
	cycleErrors  prometheus.Counter
	statsErrors  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	pairsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "pairs_opened_total",
		Help:      "Total number of delta neutral pairs opened.",
	})
	pairsRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "pairs_rotated_total",
		Help:      "Total number of completed rotations.",
	})
	riskCloses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "risk_closes_total",
		Help:      "Total number of positions closed by a risk trigger.",
	})
	cycleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycle_errors_total",
		Help:      "Total number of strategy cycles that ended in error.",
	})
	statsErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stats_errors_total",
		Help:      "Total number of daily stats update failures.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, pairsOpened, pairsRotated, riskCloses, cycleErrors, statsErrors)

	m := &Metrics{
		OrdersPlaced: promCounter{ordersPlaced},
		OrdersFailed: promCounter{ordersFailed},
		PairsOpened:  promCounter{pairsOpened},
		PairsRotated: promCounter{pairsRotated},
		RiskCloses:   promCounter{riskCloses},
		CycleErrors:  promCounter{cycleErrors},
		StatsErrors:  promCounter{statsErrors},
	}

	return &Prometheus{
		Metrics:      m,
		registry:     registry,
		ordersPlaced: ordersPlaced,
		ordersFailed: ordersFailed,
		pairsOpened:  pairsOpened,
		pairsRotated: pairsRotated,
		riskCloses:   riskCloses,
		cycleErrors:  cycleErrors,
		statsErrors:  statsErrors,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
