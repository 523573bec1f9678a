package netem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/logging"
)

// ThroughputSample reports measured throughput, in bits per second, for
// every bridge and veth device visible at sampling time.
type ThroughputSample struct {
	Timestamp time.Time
	// Bridges maps bridge device name to combined rx+tx bps.
	Bridges map[string]float64
	// Interfaces maps veth device name to combined rx+tx bps.
	Interfaces map[string]float64
}

// ThroughputRecorder receives samples for metrics export.
type ThroughputRecorder interface {
	RecordThroughput(sample ThroughputSample)
}

// ThroughputSampler periodically measures per-device byte deltas across the
// whole process and fans samples out to subscribers. It is process-wide,
// not per-session.
type ThroughputSampler struct {
	realizer Realizer
	interval time.Duration
	log      logging.Logger
	recorder ThroughputRecorder

	mu      sync.Mutex
	nextSub int
	subs    map[int]chan ThroughputSample
	prev    map[string]InterfaceStats
	prevAt  time.Time
}

// NewThroughputSampler constructs a sampler reading counters through the
// realizer every interval. recorder may be nil.
func NewThroughputSampler(realizer Realizer, interval time.Duration, recorder ThroughputRecorder, log logging.Logger) *ThroughputSampler {
	if log == nil {
		log = logging.Noop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ThroughputSampler{
		realizer: realizer,
		interval: interval,
		log:      log,
		recorder: recorder,
		subs:     make(map[int]chan ThroughputSample),
	}
}

// Subscribe registers a sample channel. Slow subscribers lose samples
// rather than stalling the sampler.
func (ts *ThroughputSampler) Subscribe() (int, <-chan ThroughputSample) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	id := ts.nextSub
	ts.nextSub++
	ch := make(chan ThroughputSample, 4)
	ts.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (ts *ThroughputSampler) Unsubscribe(id int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ch, ok := ts.subs[id]; ok {
		delete(ts.subs, id)
		close(ch)
	}
}

// Run samples until the context is cancelled.
func (ts *ThroughputSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(ts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts.sample(ctx, now)
		}
	}
}

// sample computes one throughput sample and fans it out.
func (ts *ThroughputSampler) sample(ctx context.Context, now time.Time) {
	stats, err := ts.realizer.InterfaceStats(ctx)
	if err != nil {
		ts.log.Warn(ctx, "throughput sampling failed", logging.Err(err))
		return
	}

	ts.mu.Lock()
	prev, prevAt := ts.prev, ts.prevAt
	ts.prev, ts.prevAt = stats, now
	ts.mu.Unlock()

	if prev == nil {
		return // first sample establishes the baseline
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return
	}

	sample := ThroughputSample{
		Timestamp:  now,
		Bridges:    make(map[string]float64),
		Interfaces: make(map[string]float64),
	}
	for dev, cur := range stats {
		old, ok := prev[dev]
		if !ok || cur.RxBytes < old.RxBytes || cur.TxBytes < old.TxBytes {
			continue // new or reset counters
		}
		bps := float64((cur.RxBytes-old.RxBytes)+(cur.TxBytes-old.TxBytes)) * 8 / elapsed
		switch {
		case strings.HasPrefix(dev, "b") || strings.HasPrefix(dev, "p"):
			sample.Bridges[dev] = bps
		case strings.HasPrefix(dev, "veth") || strings.HasPrefix(dev, "x"):
			sample.Interfaces[dev] = bps
		}
	}

	if ts.recorder != nil {
		ts.recorder.RecordThroughput(sample)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, ch := range ts.subs {
		select {
		case ch <- sample:
		default:
			// subscriber is behind; drop rather than block sampling
		}
	}
}
