package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the monitoring runtime.
//
// Implementations should be inexpensive to call because hooks execute inline
// with poll cycles and cache lookups.
type Collector interface {
	ObservePoll(device string, duration time.Duration, err error)
	SetDeviceHealthy(device string, healthy bool)
	IncCacheHit(device string)
	IncWrite(device string, err error)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObservePoll(string, time.Duration, error) {}
func (noopCollector) SetDeviceHealthy(string, bool)            {}
func (noopCollector) IncCacheHit(string)                       {}
func (noopCollector) IncWrite(string, error)                   {}

// PrometheusCollector exposes monitoring counters via Prometheus.
type PrometheusCollector struct {
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	healthy      *prometheus.GaugeVec
	cacheHits    *prometheus.CounterVec
	writes       *prometheus.CounterVec
}

var (
	registerOnce sync.Mutex

	pollCounter       *prometheus.CounterVec
	pollDurationHist  *prometheus.HistogramVec
	deviceHealthGauge *prometheus.GaugeVec
	cacheHitCounter   *prometheus.CounterVec
	writeCounter      *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Re-registration of an already-registered collector is
// tolerated so multiple monitor instances can share one registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerOnce.Lock()
	defer registerOnce.Unlock()

	if pollCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regmon_poll_total",
			Help: "Number of poll cycles per device and result.",
		}, []string{"device", "result"})
		existing, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		pollCounter = existing
	}
	if pollDurationHist == nil {
		hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regmon_poll_duration_seconds",
			Help:    "Duration of complete poll cycles per device.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"})
		if err := reg.Register(hist); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if h, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					hist = h
				} else {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		pollDurationHist = hist
	}
	if deviceHealthGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regmon_device_healthy",
			Help: "Whether the last poll of a device succeeded (1) or failed (0).",
		}, []string{"device"})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if g, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					gauge = g
				} else {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		deviceHealthGauge = gauge
	}
	if cacheHitCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regmon_cache_hit_total",
			Help: "Number of reads served from the freshness-bounded cache.",
		}, []string{"device"})
		existing, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		cacheHitCounter = existing
	}
	if writeCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regmon_write_total",
			Help: "Number of setpoint and coil writes per device and result.",
		}, []string{"device", "result"})
		existing, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		writeCounter = existing
	}

	return &PrometheusCollector{
		polls:        pollCounter,
		pollDuration: pollDurationHist,
		healthy:      deviceHealthGauge,
		cacheHits:    cacheHitCounter,
		writes:       writeCounter,
	}, nil
}

func registerCounter(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// ObservePoll records one completed poll cycle.
func (p *PrometheusCollector) ObservePoll(device string, duration time.Duration, err error) {
	if p == nil || p.polls == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	p.polls.WithLabelValues(device, result).Inc()
	p.pollDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// SetDeviceHealthy updates the per-device health gauge.
func (p *PrometheusCollector) SetDeviceHealthy(device string, healthy bool) {
	if p == nil || p.healthy == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	p.healthy.WithLabelValues(device).Set(value)
}

// IncCacheHit counts a read served without wire traffic.
func (p *PrometheusCollector) IncCacheHit(device string) {
	if p == nil || p.cacheHits == nil {
		return
	}
	p.cacheHits.WithLabelValues(device).Inc()
}

// IncWrite counts a write operation.
func (p *PrometheusCollector) IncWrite(device string, err error) {
	if p == nil || p.writes == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	p.writes.WithLabelValues(device, result).Inc()
}
