// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values of PacketsTotal.
const (
	ResultFiltered = "filtered"
	ResultNotRoCE  = "not_roce"
	ResultRoCE     = "roce"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// Metrics holds the collectors of one pipeline run.
type Metrics struct {
	Registry *prometheus.Registry

	// PacketsTotal counts frames read from the source by outcome
	PacketsTotal *prometheus.CounterVec

	// RoCEPacketsTotal counts decoded BTH headers by opcode and transport
	RoCEPacketsTotal *prometheus.CounterVec

	// CongestionTotal counts FECN/BECN marks
	CongestionTotal *prometheus.CounterVec

	// PayloadBytes measures the bytes carried after the BTH
	PayloadBytes prometheus.Histogram

	// SinkErrorsTotal counts sink write failures by sink
	SinkErrorsTotal *prometheus.CounterVec
}

// New registers a fresh set of collectors on their own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxe_packets_total",
				Help: "Total number of frames read, by outcome",
			},
			[]string{"result"},
		),
		RoCEPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxe_roce_packets_total",
				Help: "Total number of RoCEv2 packets decoded",
			},
			[]string{"opcode", "transport"},
		),
		CongestionTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxe_congestion_marks_total",
				Help: "Total number of BTH congestion notification bits seen",
			},
			[]string{"bit"},
		),
		PayloadBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rxe_payload_bytes",
				Help:    "Size of the RoCEv2 payload following the BTH",
				Buckets: prometheus.ExponentialBuckets(16, 2, 10), // 16B to 8KiB
			},
		),
		SinkErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxe_sink_errors_total",
				Help: "Total number of sink write errors",
			},
			[]string{"sink"},
		),
	}
}
