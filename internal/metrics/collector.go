package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/mtc-agent-core/internal/observation"
)

// bufferStats and signalerStats are satisfied structurally by
// *buffer.Buffer and *signal.Signaler without this package importing
// either — buffer.go itself imports metrics to increment
// BufferEvictionsTotal, so importing buffer back here would cycle.
type bufferStats interface {
	Bounds() (first, next observation.Sequence)
}

type signalerStats interface {
	ObserverCount() int
}

// Collector implements prometheus.Collector, reading live buffer and
// signaler state at scrape time rather than through counters, the same
// split the teacher draws between its counter vars and its pgxpool-pool-stat
// Collector (collector.go's dbTotalConns/dbAcquiredConns/dbIdleConns).
type Collector struct {
	buf      bufferStats
	signaler signalerStats

	bufferSize      *prometheus.Desc
	bufferFirstSeq  *prometheus.Desc
	bufferNextSeq   *prometheus.Desc
	activeObservers *prometheus.Desc
}

// NewCollector returns a Collector reading buf and signaler at scrape
// time. Either may be nil, in which case the corresponding metrics
// report 0.
func NewCollector(buf bufferStats, signaler signalerStats) *Collector {
	return &Collector{
		buf:      buf,
		signaler: signaler,
		bufferSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "size"),
			"Number of observations currently retained in the circular buffer.",
			nil, nil,
		),
		bufferFirstSeq: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "first_sequence"),
			"Oldest sequence number still retrievable from the buffer.",
			nil, nil,
		),
		bufferNextSeq: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buffer", "next_sequence"),
			"Sequence number that will be assigned to the next appended observation.",
			nil, nil,
		),
		activeObservers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_observers"),
			"Current number of registered stream observers.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bufferSize
	ch <- c.bufferFirstSeq
	ch <- c.bufferNextSeq
	ch <- c.activeObservers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.buf != nil {
		first, next := c.buf.Bounds()
		ch <- prometheus.MustNewConstMetric(c.bufferSize, prometheus.GaugeValue, float64(next-first))
		ch <- prometheus.MustNewConstMetric(c.bufferFirstSeq, prometheus.GaugeValue, float64(first))
		ch <- prometheus.MustNewConstMetric(c.bufferNextSeq, prometheus.GaugeValue, float64(next))
	} else {
		ch <- prometheus.MustNewConstMetric(c.bufferSize, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.bufferFirstSeq, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.bufferNextSeq, prometheus.GaugeValue, 0)
	}

	if c.signaler != nil {
		ch <- prometheus.MustNewConstMetric(c.activeObservers, prometheus.GaugeValue, float64(c.signaler.ObserverCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeObservers, prometheus.GaugeValue, 0)
	}
}
