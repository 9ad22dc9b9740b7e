package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/rxe/internal/config"
	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/log"
	"firestige.xyz/rxe/internal/metrics"
	"firestige.xyz/rxe/internal/pipeline"
	"firestige.xyz/rxe/internal/source/file"
)

type decodeOptions struct {
	format   string
	strict   bool
	noFilter bool
	writeTo  string
	stats    bool
	qpns     []uint
	opcodes  []uint
}

var decodeOpts decodeOptions

var decodeCmd = &cobra.Command{
	Use:   "decode <capture>",
	Short: "Print the BTH of every RoCEv2 packet in a pcap or pcapng file",
	Long: `Read a pcap or pcapng capture and print the Base Transport Header of every
UDP datagram sent to port 4791. Other traffic is skipped.

Examples:
  rxe decode roce.pcap
  rxe decode roce.pcapng --format json --strict
  rxe decode mixed.pcap --write roce-only.pcap --stats
  rxe decode roce.pcap --qpn 17 --qpn 18 --opcode 4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		_, err := runDecode(ctx, appConfig, args[0], decodeOpts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeOpts.format, "format", "f", "",
		"console output format: text, json or yaml (replaces configured sinks)")
	decodeCmd.Flags().BoolVar(&decodeOpts.strict, "strict", false,
		"reject headers with reserved bits set or a non-zero TVer")
	decodeCmd.Flags().BoolVar(&decodeOpts.noFilter, "no-filter", false,
		"disable the BPF prefilter")
	decodeCmd.Flags().StringVarP(&decodeOpts.writeTo, "write", "w", "",
		"also write RoCEv2 frames to this pcap file")
	decodeCmd.Flags().BoolVar(&decodeOpts.stats, "stats", false,
		"print packet counters when done")
	decodeCmd.Flags().UintSliceVar(&decodeOpts.qpns, "qpn", nil,
		"only decode packets for these destination QPs")
	decodeCmd.Flags().UintSliceVar(&decodeOpts.opcodes, "opcode", nil,
		"only decode packets with these opcodes")
}

// applyDecodeOptions folds command line flags into a copy of cfg.
func applyDecodeOptions(cfg config.Config, opts decodeOptions) (*config.Config, error) {
	if len(opts.qpns) > 0 {
		cfg.Filter.QPNs = make([]uint32, len(opts.qpns))
		for i, qpn := range opts.qpns {
			if qpn > 0x00FFFFFF {
				return nil, fmt.Errorf("%w: --qpn %d exceeds 24 bits", core.ErrConfigInvalid, qpn)
			}
			cfg.Filter.QPNs[i] = uint32(qpn)
		}
	}
	if len(opts.opcodes) > 0 {
		cfg.Filter.Opcodes = make([]uint8, len(opts.opcodes))
		for i, op := range opts.opcodes {
			if op > 0xFF {
				return nil, fmt.Errorf("%w: --opcode %d exceeds 8 bits", core.ErrConfigInvalid, op)
			}
			cfg.Filter.Opcodes[i] = uint8(op)
		}
	}
	if opts.strict {
		cfg.Decoder.Strict = true
	}
	if opts.noFilter {
		cfg.Filter.Enabled = false
	}
	if opts.format != "" {
		cfg.Sinks = []config.SinkConfig{{Type: "console", Options: map[string]any{"format": opts.format}}}
	}
	if opts.writeTo != "" {
		sinks := make([]config.SinkConfig, 0, len(cfg.Sinks)+1)
		sinks = append(sinks, cfg.Sinks...)
		cfg.Sinks = append(sinks, config.SinkConfig{Type: "pcap", Options: map[string]any{"path": opts.writeTo}})
	}
	return &cfg, nil
}

func runDecode(ctx context.Context, base *config.Config, path string, opts decodeOptions, out io.Writer) (pipeline.Stats, error) {
	cfg, err := applyDecodeOptions(*base, opts)
	if err != nil {
		return pipeline.Stats{}, err
	}
	logger := log.GetLogger().WithField("file", path)

	src, err := file.NewSource(file.Config{FilePath: path})
	if err != nil {
		return pipeline.Stats{}, err
	}
	if err := src.Start(ctx); err != nil {
		return pipeline.Stats{}, err
	}
	defer src.Stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, m)
		if err := srv.Start(ctx); err != nil {
			return pipeline.Stats{}, err
		}
		defer srv.Stop(context.Background())
	}

	p, err := pipeline.Build(cfg, src, m)
	if err != nil {
		return pipeline.Stats{}, err
	}

	stats, err := p.Run(ctx)
	if err != nil {
		return stats, fmt.Errorf("decode %s: %w", path, err)
	}

	logger.WithFields(map[string]interface{}{
		"received": stats.Received,
		"roce":     stats.RoCE,
		"invalid":  stats.Invalid,
	}).Info("capture decoded")

	if opts.stats {
		fmt.Fprintf(out, "received=%d filtered=%d decoded=%d not_roce=%d roce=%d invalid=%d errors=%d sink_errors=%d\n",
			stats.Received, stats.Filtered, stats.Decoded, stats.NotRoCE, stats.RoCE, stats.Invalid, stats.Errors, stats.SinkErrors)
	}
	return stats, nil
}
