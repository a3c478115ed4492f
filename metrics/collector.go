// Package metrics exports server statistics to Prometheus.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/qserver/server"
)

const metricNamespace = "qserver"

// A Source is something that reports server statistics.
type Source interface {
	Name() string
	Stats() server.Stats
}

var labels = []string{"server"}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "", name), help, labels, nil)
}

var (
	arrivalRateDesc = newDesc("arrival_rate",
		"Requests received per second since the start.")
	serviceRateDesc = newDesc("service_rate",
		"Departures per second the server sustains at the current packet size.")
	avgPacketSizeDesc = newDesc("avg_packet_size_bytes",
		"Running mean request size.")
	queueLengthDesc = newDesc("queue_length",
		"Requests waiting in the buffer.")
	receivedDesc = newDesc("received_total",
		"Requests accepted into the buffer.")
	sentDesc = newDesc("sent_total",
		"Replies handed to the transport.")
	droppedDesc = newDesc("dropped_total",
		"Requests dropped for a malformed header.")
	sendFailuresDesc = newDesc("send_failures_total",
		"Datagrams the transport refused.")
)

// Collector is a prometheus.Collector over a set of servers. Values are read
// at scrape time.
type Collector struct {
	lock    sync.Mutex
	sources []Source
}

// NewCollector creates a collector over sources.
func NewCollector(sources ...Source) *Collector {
	return &Collector{sources: sources}
}

// Add starts collecting from s.
func (c *Collector) Add(s Source) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.sources = append(c.sources, s)
}

// Describe sends the descriptors of all metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range [...]*prometheus.Desc{
		arrivalRateDesc,
		serviceRateDesc,
		avgPacketSizeDesc,
		queueLengthDesc,
		receivedDesc,
		sentDesc,
		droppedDesc,
		sendFailuresDesc,
	} {
		ch <- d
	}
}

// Collect sends the current values.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.Lock()
	sources := append([]Source(nil), c.sources...)
	c.lock.Unlock()

	for _, s := range sources {
		stats := s.Stats()
		name := s.Name()

		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(
				d, prometheus.CounterValue, float64(v), name)
		}

		gauge(arrivalRateDesc, stats.ArrivalRate)
		gauge(serviceRateDesc, stats.ServiceRate)
		gauge(avgPacketSizeDesc, stats.AvgPacketSize)
		gauge(queueLengthDesc, float64(stats.QueueLength))
		counter(receivedDesc, stats.Received)
		counter(sentDesc, stats.Sent)
		counter(droppedDesc, stats.Dropped)
		counter(sendFailuresDesc, stats.SendFailures)
	}
}

// Register registers c, tolerating an earlier registration of an equal
// collector.
func Register(registerer prometheus.Registerer, c *Collector) error {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}

	return nil
}
