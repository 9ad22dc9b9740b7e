package pipeline

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/rxe/internal/config"
	"firestige.xyz/rxe/internal/decoder"
	"firestige.xyz/rxe/internal/filter"
	"firestige.xyz/rxe/internal/metrics"
	"firestige.xyz/rxe/internal/sink"

	// registered sinks
	_ "firestige.xyz/rxe/internal/sink/console"
	_ "firestige.xyz/rxe/internal/sink/pcap"
)

// Build assembles a pipeline for src from cfg. The decoder, BPF prefilters
// and sinks are created for the link type of src, so src must be started.
// m may be nil.
func Build(cfg *config.Config, src Source, m *metrics.Metrics) (*Pipeline, error) {
	linkType := src.LinkType()

	chain, err := buildFilters(cfg.Filter, linkType)
	if err != nil {
		return nil, fmt.Errorf("build prefilter: %w", err)
	}
	var f filter.Filter
	if chain.Len() > 0 {
		f = chain
	}

	sinks := make([]sink.Sink, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		s, err := sink.New(sc.Type, sc.Options, sink.Env{LinkType: linkType})
		if err != nil {
			for _, opened := range sinks {
				opened.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}

	return New(Config{
		Source:  src,
		Filter:  f,
		Decoder: decoder.NewDecoder(cfg.Decoder, linkType),
		Sinks:   sinks,
		Metrics: m,
	})
}

func buildFilters(cfg config.FilterConfig, linkType layers.LinkType) (*filter.Chain, error) {
	chain := filter.NewChain()
	if cfg.Enabled {
		f, err := filter.NewRoCEv2(linkType)
		if err != nil {
			return nil, err
		}
		chain.Add(f)
	}
	if len(cfg.QPNs) > 0 {
		f, err := filter.NewQPN(linkType, cfg.QPNs...)
		if err != nil {
			return nil, err
		}
		chain.Add(f)
	}
	if len(cfg.Opcodes) > 0 {
		f, err := filter.NewOpcode(linkType, cfg.Opcodes...)
		if err != nil {
			return nil, err
		}
		chain.Add(f)
	}
	return chain, nil
}
