// Package console prints decoded RoCEv2 packets as text, JSON or YAML.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/sink"
	"firestige.xyz/rxe/pkg/bth"
)

const Name = "console"

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

type Config struct {
	Format string `mapstructure:"format"`
	// Output is "stdout", "stderr" or a file path.
	Output string `mapstructure:"output"`
}

func init() {
	sink.Register(Name, func(opts map[string]any, _ sink.Env) (sink.Sink, error) {
		var cfg Config
		if err := mapstructure.Decode(opts, &cfg); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
		return NewSink(cfg)
	})
}

// Record is the structured form written in JSON and YAML mode.
type Record struct {
	Timestamp  string      `json:"timestamp" yaml:"timestamp"`
	Src        string      `json:"src" yaml:"src"`
	Dst        string      `json:"dst" yaml:"dst"`
	Opcode     string      `json:"opcode" yaml:"opcode"`
	BTH        bth.Fields  `json:"bth" yaml:"bth"`
	Labels     core.Labels `json:"labels,omitempty" yaml:"labels,omitempty"`
	PayloadLen int         `json:"payload_len" yaml:"payload_len"`
}

// Sink writes one entry per packet.
type Sink struct {
	format string
	out    io.Writer
	closer io.Closer
	yaml   *yaml.Encoder
}

// NewSink opens the configured output. An empty format means text.
func NewSink(cfg Config) (*Sink, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.Create(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("open output %s: %w", cfg.Output, err)
		}
		out, closer = f, f
	}
	s, err := NewWriterSink(cfg.Format, out)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	s.closer = closer
	return s, nil
}

// NewWriterSink writes to w, which the sink does not close.
func NewWriterSink(format string, w io.Writer) (*Sink, error) {
	if format == "" {
		format = FormatText
	}
	s := &Sink{format: format, out: w}
	switch format {
	case FormatText, FormatJSON:
	case FormatYAML:
		s.yaml = yaml.NewEncoder(w)
		s.yaml.SetIndent(2)
	default:
		return nil, fmt.Errorf("%w: console format %q", core.ErrConfigInvalid, format)
	}
	return s, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(pkt *core.DecodedPacket) error {
	switch s.format {
	case FormatJSON:
		b, err := json.Marshal(NewRecord(pkt))
		if err != nil {
			return err
		}
		_, err = s.out.Write(append(b, '\n'))
		return err
	case FormatYAML:
		return s.yaml.Encode(NewRecord(pkt))
	default:
		_, err := fmt.Fprintf(s.out, "%s %s > %s %s len=%d\n",
			pkt.Timestamp.UTC().Format(time.RFC3339Nano),
			endpoint(pkt.IP.SrcIP, pkt.Transport.SrcPort),
			endpoint(pkt.IP.DstIP, pkt.Transport.DstPort),
			pkt.BTH.Header(), len(pkt.Payload))
		return err
	}
}

func (s *Sink) Close() error {
	if s.yaml != nil {
		if err := s.yaml.Close(); err != nil {
			return err
		}
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// NewRecord flattens pkt for structured output.
func NewRecord(pkt *core.DecodedPacket) Record {
	return Record{
		Timestamp:  pkt.Timestamp.UTC().Format(time.RFC3339Nano),
		Src:        endpoint(pkt.IP.SrcIP, pkt.Transport.SrcPort),
		Dst:        endpoint(pkt.IP.DstIP, pkt.Transport.DstPort),
		Opcode:     pkt.BTH.OpcodeName(),
		BTH:        pkt.BTH,
		Labels:     pkt.Labels,
		PayloadLen: len(pkt.Payload),
	}
}

func endpoint(ip netip.Addr, port uint16) string {
	if !ip.IsValid() {
		return ":" + strconv.Itoa(int(port))
	}
	return netip.AddrPortFrom(ip, port).String()
}
