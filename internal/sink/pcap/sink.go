// Package pcap writes the frames of decoded RoCEv2 packets to a pcap file.
package pcap

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/sink"
)

const Name = "pcap"

const defaultSnapLen = 65535

type Config struct {
	Path    string `mapstructure:"path"`
	SnapLen uint32 `mapstructure:"snap_len"`
}

func init() {
	sink.Register(Name, func(opts map[string]any, env sink.Env) (sink.Sink, error) {
		var cfg Config
		if err := mapstructure.Decode(opts, &cfg); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
		return NewSink(cfg, env)
	})
}

// Sink keeps the RoCEv2 frames of a capture, e.g. to strip other traffic.
type Sink struct {
	file *os.File
	buf  *bufio.Writer
	w    *pcapgo.Writer
}

func NewSink(cfg Config, env sink.Env) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: pcap sink path is required", core.ErrConfigInvalid)
	}
	if cfg.SnapLen == 0 {
		cfg.SnapLen = defaultSnapLen
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.Path, err)
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(cfg.SnapLen, env.LinkType); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Sink{file: f, buf: buf, w: w}, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(pkt *core.DecodedPacket) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     pkt.Timestamp,
		CaptureLength: len(pkt.Raw),
		Length:        int(pkt.OrigLen),
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return s.w.WritePacket(ci, pkt.Raw)
}

func (s *Sink) Close() error {
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
