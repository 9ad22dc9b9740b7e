// Package pipeline runs captured frames through filter, decoder and sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/decoder"
	"firestige.xyz/rxe/internal/filter"
	"firestige.xyz/rxe/internal/log"
	"firestige.xyz/rxe/internal/metrics"
	"firestige.xyz/rxe/internal/sink"
)

// Source yields frames until io.EOF. It must already be started.
type Source interface {
	ReadPacket() (core.RawPacket, error)
	LinkType() layers.LinkType
}

// Decoder turns a frame into a DecodedPacket.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// Config contains pipeline components. Filter and Metrics are optional.
type Config struct {
	Source  Source
	Filter  filter.Filter
	Decoder Decoder
	Sinks   []sink.Sink
	Metrics *metrics.Metrics
}

// Pipeline is a single-goroutine processing chain.
type Pipeline struct {
	source  Source
	filter  filter.Filter
	decoder Decoder
	sinks   []sink.Sink
	metrics *metrics.Metrics
	logger  log.Logger

	stats Stats
}

// Stats counts what happened to the frames of one run.
//
// Every received frame ends up in exactly one of Filtered, NotRoCE, RoCE,
// Invalid or Errors. SinkErrors counts failed writes of RoCE packets, one
// per sink.
type Stats struct {
	Received   uint64 `json:"received" yaml:"received"`
	Filtered   uint64 `json:"filtered" yaml:"filtered"`
	Decoded    uint64 `json:"decoded" yaml:"decoded"`
	NotRoCE    uint64 `json:"not_roce" yaml:"not_roce"`
	RoCE       uint64 `json:"roce" yaml:"roce"`
	Invalid    uint64 `json:"invalid" yaml:"invalid"`
	Errors     uint64 `json:"errors" yaml:"errors"`
	SinkErrors uint64 `json:"sink_errors" yaml:"sink_errors"`
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: pipeline source is required", core.ErrConfigInvalid)
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: pipeline decoder is required", core.ErrConfigInvalid)
	}
	return &Pipeline{
		source:  cfg.Source,
		filter:  cfg.Filter,
		decoder: cfg.Decoder,
		sinks:   cfg.Sinks,
		metrics: cfg.Metrics,
		logger:  log.GetLogger().WithField("component", "pipeline"),
	}, nil
}

// Run reads the source until io.EOF or ctx is done. Decode failures are
// counted and never stop the run; a source read failure does. The sinks
// are closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	defer p.closeSinks()

	p.logger.WithField("link_type", p.source.LinkType().String()).WithField("sinks", len(p.sinks)).Debug("pipeline starting")

	for {
		if err := ctx.Err(); err != nil {
			return p.stats, err
		}

		raw, err := p.source.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.stats, fmt.Errorf("read packet: %w", err)
		}

		p.process(raw)
	}

	p.logger.WithFields(map[string]interface{}{
		"received": p.stats.Received,
		"roce":     p.stats.RoCE,
		"invalid":  p.stats.Invalid,
		"errors":   p.stats.Errors,
		"sink_err": p.stats.SinkErrors,
	}).Debug("pipeline finished")
	return p.stats, nil
}

// Stats returns the counters so far.
func (p *Pipeline) Stats() Stats {
	return p.stats
}

func (p *Pipeline) process(raw core.RawPacket) {
	p.stats.Received++

	if p.filter != nil && !p.filter.Match(raw.Data) {
		p.stats.Filtered++
		p.count(metrics.ResultFiltered)
		return
	}

	pkt, err := p.decoder.Decode(raw)
	switch {
	case err == nil:
	case decoder.IsSkippable(err):
		p.stats.Decoded++
		p.stats.NotRoCE++
		p.count(metrics.ResultNotRoCE)
		return
	case errors.Is(err, core.ErrInvalidBTH):
		p.stats.Decoded++
		p.stats.Invalid++
		p.count(metrics.ResultInvalid)
		if p.logger.IsDebugEnabled() {
			p.logger.WithError(err).Debug("invalid base transport header")
		}
		return
	default:
		p.stats.Errors++
		p.count(metrics.ResultError)
		if p.logger.IsDebugEnabled() {
			p.logger.WithError(err).Debug("packet decoding failed")
		}
		return
	}

	p.stats.Decoded++
	p.stats.RoCE++
	p.observe(&pkt)

	for _, s := range p.sinks {
		if err := s.Write(&pkt); err != nil {
			p.stats.SinkErrors++
			if p.metrics != nil {
				p.metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			}
			p.logger.WithField("sink", s.Name()).WithError(err).Error("sink write failed")
		}
	}
}

func (p *Pipeline) count(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.PacketsTotal.WithLabelValues(result).Inc()
}

func (p *Pipeline) observe(pkt *core.DecodedPacket) {
	if p.metrics == nil {
		return
	}
	p.count(metrics.ResultRoCE)
	p.metrics.RoCEPacketsTotal.WithLabelValues(pkt.Labels[core.LabelRoCEOpcode], pkt.Labels[core.LabelRoCETransport]).Inc()
	if pkt.BTH.FECN {
		p.metrics.CongestionTotal.WithLabelValues("fecn").Inc()
	}
	if pkt.BTH.BECN {
		p.metrics.CongestionTotal.WithLabelValues("becn").Inc()
	}
	p.metrics.PayloadBytes.Observe(float64(len(pkt.Payload)))
}

func (p *Pipeline) closeSinks() {
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			p.logger.WithField("sink", s.Name()).WithError(err).Error("sink close failed")
		}
	}
}
