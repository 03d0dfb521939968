// Package metrics exposes the cumulative, monotonic counters of spec.md
// §6 as Prometheus counters, grounded on the teacher's choice of
// github.com/prometheus/client_golang (declared in go.mod) for exporting
// runtime counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters bundles one Source transport's counters. Each field maps
// directly onto a name from spec.md §6; a fresh Counters should be
// created per Source (they are not process-wide globals) and registered
// with the caller's prometheus.Registerer.
type Counters struct {
	BytesSent                      prometheus.Counter
	DataBytesSent                  prometheus.Counter
	DataMsgsSent                   prometheus.Counter
	SelectiveBytesRetransmitted    prometheus.Counter
	SelectiveMsgsRetransmitted     prometheus.Counter
	SelectiveNaksReceived          prometheus.Counter
	ParityNaksReceived             prometheus.Counter
	MalformedNaks                  prometheus.Counter
	PacketsDiscarded               prometheus.Counter
	SelectiveNnakPacketsReceived   prometheus.Counter
	SelectiveNnaksReceived         prometheus.Counter
	NnakErrors                     prometheus.Counter
}

// New constructs Counters registered against reg, with the given TSI
// string used as a constant label so multiple Source instances in one
// process don't collide.
func New(reg prometheus.Registerer, tsi string) *Counters {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"tsi": tsi}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pgm",
			Subsystem:   "source",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &Counters{
		BytesSent:                   counter("bytes_sent_total", "Total bytes sent, including headers and options."),
		DataBytesSent:               counter("data_bytes_sent_total", "Total application payload bytes sent."),
		DataMsgsSent:                counter("data_msgs_sent_total", "Total ODATA packets sent."),
		SelectiveBytesRetransmitted: counter("selective_bytes_retransmitted_total", "Total payload bytes sent as selective RDATA."),
		SelectiveMsgsRetransmitted:  counter("selective_msgs_retransmitted_total", "Total selective RDATA packets sent."),
		SelectiveNaksReceived:       counter("selective_naks_received_total", "Total selective NAKs received."),
		ParityNaksReceived:          counter("parity_naks_received_total", "Total parity NAKs received."),
		MalformedNaks:               counter("malformed_naks_total", "Total malformed NAK/NNAK packets."),
		PacketsDiscarded:            counter("packets_discarded_total", "Total packets discarded for any reason."),
		SelectiveNnakPacketsReceived: counter("selective_nnak_packets_received_total", "Total N-NAK packets received."),
		SelectiveNnaksReceived:      counter("selective_nnaks_received_total", "Total individual N-NAK sequence numbers received."),
		NnakErrors:                  counter("nnak_errors_total", "Total malformed N-NAK packets."),
	}
}
