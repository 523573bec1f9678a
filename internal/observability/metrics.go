package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/emunet-dev/emunetd/netem"
)

// Collector bundles the daemon's Prometheus metrics and provides helpers to
// wire them into gRPC servers and HTTP handlers.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Sessions         prometheus.Gauge
	SessionNodes     *prometheus.GaugeVec
	SessionLinks     *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec

	ThroughputBPS *prometheus.GaugeVec
}

// NewCollector registers the daemon's metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emunetd_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "emunetd_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emunetd_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "emunetd_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emunetd_sessions",
		Help: "Current number of live sessions.",
	}), "emunetd_sessions")
	if err != nil {
		return nil, err
	}

	nodes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emunetd_session_nodes",
		Help: "Current number of nodes per session.",
	}, []string{"session"})
	nodes, err = registerGaugeVec(reg, nodes, "emunetd_session_nodes")
	if err != nil {
		return nil, err
	}

	links := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emunetd_session_links",
		Help: "Current number of links per session.",
	}, []string{"session"})
	links, err = registerGaugeVec(reg, links, "emunetd_session_links")
	if err != nil {
		return nil, err
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emunetd_state_transitions_total",
		Help: "Session lifecycle transitions, labeled by target state.",
	}, []string{"session", "state"})
	transitions, err = registerCounterVec(reg, transitions, "emunetd_state_transitions_total")
	if err != nil {
		return nil, err
	}

	throughput := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emunetd_device_throughput_bps",
		Help: "Measured throughput per bridge or host-side interface, bits per second.",
	}, []string{"device", "kind"})
	throughput, err = registerGaugeVec(reg, throughput, "emunetd_device_throughput_bps")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		Sessions:         sessions,
		SessionNodes:     nodes,
		SessionLinks:     links,
		StateTransitions: transitions,
		ThroughputBPS:    throughput,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetTopologyCounts satisfies the session MetricsRecorder interface so
// session mutators can drive the per-session gauges directly.
func (c *Collector) SetTopologyCounts(sessionID, nodes, links int) {
	if c == nil {
		return
	}
	label := strconv.Itoa(sessionID)
	if c.SessionNodes != nil {
		c.SessionNodes.WithLabelValues(label).Set(float64(nodes))
	}
	if c.SessionLinks != nil {
		c.SessionLinks.WithLabelValues(label).Set(float64(links))
	}
}

// RecordStateChange counts a lifecycle transition into the given state.
func (c *Collector) RecordStateChange(sessionID int, state string) {
	if c == nil || c.StateTransitions == nil {
		return
	}
	c.StateTransitions.WithLabelValues(strconv.Itoa(sessionID), state).Inc()
}

// SetSessionCount satisfies the manager's metrics recorder.
func (c *Collector) SetSessionCount(n int) {
	if c == nil || c.Sessions == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// RecordThroughput satisfies the netem ThroughputRecorder interface: each
// sampler pass pushes the measured rate per bridge and interface.
func (c *Collector) RecordThroughput(sample netem.ThroughputSample) {
	if c == nil || c.ThroughputBPS == nil {
		return
	}
	for dev, bps := range sample.Bridges {
		c.ThroughputBPS.WithLabelValues(dev, "bridge").Set(bps)
	}
	for dev, bps := range sample.Interfaces {
		c.ThroughputBPS.WithLabelValues(dev, "interface").Set(bps)
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
