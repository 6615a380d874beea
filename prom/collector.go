package prom

import (
	"compression-detector/types"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SessionEntry struct {
	Verdict    types.Verdict
	ObservedAt time.Time
}

type ProbeCollector struct {
	Sessions    map[string]*SessionEntry
	SessionsMux sync.RWMutex

	sessionCount  *prometheus.Desc
	received      *prometheus.Desc
	lost          *prometheus.Desc
	duplicates    *prometheus.Desc
	malformed     *prometheus.Desc
	outOfOrder    *prometheus.Desc
	elapsed       *prometheus.Desc
	meanGap       *prometheus.Desc
	medianGap     *prometheus.Desc
	jitter        *prometheus.Desc
	quality       *prometheus.Desc
	bytesReceived *prometheus.Desc
	wireBytes     *prometheus.Desc
	divergence    *prometheus.Desc
	suspected     *prometheus.Desc
	jitterRatio   *prometheus.Desc
	wireSizeRatio *prometheus.Desc
	outcomes      *prometheus.Desc
	failures      *prometheus.Desc

	outcomeCounts map[types.Outcome]uint64
	failureCounts map[types.ErrorKind]uint64
	countsMux     sync.RWMutex
}

var trainLabels = []string{"session", "entropy", "src_ip", "src_port", "dst_ip", "dst_port"}

func NewProbeCollector() *ProbeCollector {
	return &ProbeCollector{
		Sessions: make(map[string]*SessionEntry),
		sessionCount: prometheus.NewDesc(
			"probe_session_count", "Number of completed probing sessions held for export", nil, nil,
		),
		received: prometheus.NewDesc(
			"probe_train_received_packets", "Distinct probe packets received per train", trainLabels, nil,
		),
		lost: prometheus.NewDesc(
			"probe_train_lost_packets", "Probe packets never received per train", trainLabels, nil,
		),
		duplicates: prometheus.NewDesc(
			"probe_train_duplicate_packets", "Duplicate probe packets discarded per train", trainLabels, nil,
		),
		malformed: prometheus.NewDesc(
			"probe_train_malformed_packets", "Malformed datagrams dropped per train", trainLabels, nil,
		),
		outOfOrder: prometheus.NewDesc(
			"probe_train_out_of_order_packets", "Probe packets that arrived behind a higher sequence id", trainLabels, nil,
		),
		elapsed: prometheus.NewDesc(
			"probe_train_elapsed_seconds", "Time from first to last arrival", trainLabels, nil,
		),
		meanGap: prometheus.NewDesc(
			"probe_train_mean_gap_seconds", "Mean inter-arrival gap", trainLabels, nil,
		),
		medianGap: prometheus.NewDesc(
			"probe_train_median_gap_seconds", "Median inter-arrival gap", trainLabels, nil,
		),
		jitter: prometheus.NewDesc(
			"probe_train_jitter_seconds", "Standard deviation of inter-arrival gaps", trainLabels, nil,
		),
		quality: prometheus.NewDesc(
			"probe_train_quality_score", "Train data quality score (0-100, 100=perfect)", trainLabels, nil,
		),
		bytesReceived: prometheus.NewDesc(
			"probe_train_received_bytes", "Probe payload bytes received per train", trainLabels, nil,
		),
		wireBytes: prometheus.NewDesc(
			"probe_train_wire_bytes", "IP bytes observed on the wire by the passive capture", trainLabels, nil,
		),
		divergence: prometheus.NewDesc(
			"probe_verdict_divergence", "Elapsed time divergence between high and low entropy trains",
			[]string{"session", "outcome"}, nil,
		),
		suspected: prometheus.NewDesc(
			"probe_verdict_compression_suspected", "1 when the session suspects path compression",
			[]string{"session", "outcome"}, nil,
		),
		jitterRatio: prometheus.NewDesc(
			"probe_verdict_jitter_ratio", "High entropy gap jitter over low entropy gap jitter",
			[]string{"session", "outcome"}, nil,
		),
		wireSizeRatio: prometheus.NewDesc(
			"probe_verdict_wire_size_ratio", "Low entropy over high entropy on-wire bytes per packet",
			[]string{"session", "outcome"}, nil,
		),
		outcomes: prometheus.NewDesc(
			"probe_sessions_total", "Completed probing sessions by outcome", []string{"outcome"}, nil,
		),
		failures: prometheus.NewDesc(
			"probe_session_failures_total", "Failed probing sessions by error kind", []string{"kind"}, nil,
		),
		outcomeCounts: make(map[types.Outcome]uint64),
		failureCounts: make(map[types.ErrorKind]uint64),
	}
}

func (c *ProbeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionCount
	ch <- c.received
	ch <- c.lost
	ch <- c.duplicates
	ch <- c.malformed
	ch <- c.outOfOrder
	ch <- c.elapsed
	ch <- c.meanGap
	ch <- c.medianGap
	ch <- c.jitter
	ch <- c.quality
	ch <- c.bytesReceived
	ch <- c.wireBytes
	ch <- c.divergence
	ch <- c.suspected
	ch <- c.jitterRatio
	ch <- c.wireSizeRatio
	ch <- c.outcomes
	ch <- c.failures
}

func (c *ProbeCollector) Collect(ch chan<- prometheus.Metric) {
	c.SessionsMux.RLock()
	for id, entry := range c.Sessions {
		v := entry.Verdict
		for _, m := range []types.TrainMeasurement{v.Low, v.High} {
			c.collectTrain(ch, id, m)
		}

		labels := []string{id, string(v.Outcome)}
		suspected := 0.0
		if v.CompressionSuspected {
			suspected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.divergence, prometheus.GaugeValue, v.Divergence, labels...)
		ch <- prometheus.MustNewConstMetric(c.suspected, prometheus.GaugeValue, suspected, labels...)
		if v.JitterRatio > 0 {
			ch <- prometheus.MustNewConstMetric(c.jitterRatio, prometheus.GaugeValue, v.JitterRatio, labels...)
		}
		if v.WireSizeRatio > 0 {
			ch <- prometheus.MustNewConstMetric(c.wireSizeRatio, prometheus.GaugeValue, v.WireSizeRatio, labels...)
		}
	}
	ch <- prometheus.MustNewConstMetric(
		c.sessionCount, prometheus.GaugeValue, float64(len(c.Sessions)),
	)
	c.SessionsMux.RUnlock()

	c.countsMux.RLock()
	for outcome, n := range c.outcomeCounts {
		ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(n), string(outcome))
	}
	for kind, n := range c.failureCounts {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(n), string(kind))
	}
	c.countsMux.RUnlock()
}

func (c *ProbeCollector) collectTrain(ch chan<- prometheus.Metric, session string, m types.TrainMeasurement) {
	key := m.Stream
	labels := []string{
		session, m.Class.String(),
		key.SrcIP, fmt.Sprintf("%d", key.SrcPort),
		key.DstIP, fmt.Sprintf("%d", key.DstPort),
	}

	ch <- prometheus.MustNewConstMetric(c.received, prometheus.GaugeValue, float64(m.Received), labels...)
	ch <- prometheus.MustNewConstMetric(c.lost, prometheus.GaugeValue, float64(m.Lost), labels...)
	ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.GaugeValue, float64(m.Duplicates), labels...)
	ch <- prometheus.MustNewConstMetric(c.malformed, prometheus.GaugeValue, float64(m.Malformed), labels...)
	ch <- prometheus.MustNewConstMetric(c.outOfOrder, prometheus.GaugeValue, float64(m.OutOfOrder), labels...)
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.GaugeValue, float64(m.ReceivedBytes), labels...)
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.GaugeValue, m.Quality, labels...)

	if m.Received > 1 {
		ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, m.Elapsed.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.meanGap, prometheus.GaugeValue, m.MeanGap.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.medianGap, prometheus.GaugeValue, m.MedianGap.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.jitter, prometheus.GaugeValue, m.GapJitter.Seconds(), labels...)
	}
	if m.WireSamples > 0 {
		ch <- prometheus.MustNewConstMetric(c.wireBytes, prometheus.GaugeValue, float64(m.WireBytes), labels...)
	}
}

// ObserveVerdict records a completed session.
func (c *ProbeCollector) ObserveVerdict(v types.Verdict) {
	c.SessionsMux.Lock()
	c.Sessions[v.SessionID] = &SessionEntry{Verdict: v, ObservedAt: time.Now()}
	c.SessionsMux.Unlock()

	c.countsMux.Lock()
	c.outcomeCounts[v.Outcome]++
	c.countsMux.Unlock()
}

// ObserveFailure records a session that ended without a verdict.
func (c *ProbeCollector) ObserveFailure(err error) {
	kind := types.KindOf(err)
	if kind == types.KindNone {
		return
	}
	c.countsMux.Lock()
	c.failureCounts[kind]++
	c.countsMux.Unlock()
}

// CleanupOldSessions drops session series older than maxAge once per
// interval until done is closed.
func (c *ProbeCollector) CleanupOldSessions(maxAge, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := c.prune(time.Now(), maxAge); n > 0 {
				slog.Info("Cleaned up sessions", "expired", n)
			}
		}
	}
}

func (c *ProbeCollector) prune(now time.Time, maxAge time.Duration) int {
	c.SessionsMux.Lock()
	defer c.SessionsMux.Unlock()

	expired := 0
	for id, entry := range c.Sessions {
		if now.Sub(entry.ObservedAt) > maxAge {
			slog.Debug("Removed expired session", "session", id)
			delete(c.Sessions, id)
			expired++
		}
	}
	return expired
}
