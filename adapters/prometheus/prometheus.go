// Package promadapter exports rate-limiting decisions as Prometheus
// counters.
//
// The collector plugs into a limiter through the WithOnAllow / WithOnDeny
// options:
//
//	collector := promadapter.New(prometheus.DefaultRegisterer, "api")
//	limiter, err := ratelimiter.NewTokenBucket("api", store, 100, 10,
//	    ratelimiter.WithOnAllow(collector.OnAllow),
//	    ratelimiter.WithOnDeny(collector.OnDeny),
//	)
package promadapter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// Collector counts allowed and denied decisions for one limiter.
type Collector struct {
	allowed prometheus.Counter
	denied  prometheus.Counter
}

// New creates a Collector for the named limiter and registers its counters.
// Registration panics on a duplicate limiter name, matching the usual
// prometheus.MustRegister behavior.
func New(reg prometheus.Registerer, limiterName string) *Collector {
	c := &Collector{
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quotaflow",
			Subsystem:   "ratelimiter",
			Name:        "allowed_total",
			Help:        "Requests admitted by the rate limiter.",
			ConstLabels: prometheus.Labels{"limiter": limiterName},
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "quotaflow",
			Subsystem:   "ratelimiter",
			Name:        "denied_total",
			Help:        "Requests rejected by the rate limiter.",
			ConstLabels: prometheus.Labels{"limiter": limiterName},
		}),
	}
	reg.MustRegister(c.allowed, c.denied)
	return c
}

// OnAllow records an admitted decision.
func (c *Collector) OnAllow(ratelimiter.Result) {
	c.allowed.Inc()
}

// OnDeny records a rejected decision.
func (c *Collector) OnDeny(ratelimiter.Result) {
	c.denied.Inc()
}
