// Package file reads captured frames from pcap and pcapng files.
package file

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/log"
)

const Name = "file"

// pcapng section header block type
const ngMagic = 0x0A0D0D0A

type Config struct {
	FilePath string `mapstructure:"file_path"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads frames sequentially from a capture file.
type Source struct {
	path   string
	file   *os.File
	reader packetReader
}

func NewSource(cfg Config) (*Source, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("%w: file_path is required", core.ErrConfigInvalid)
	}
	return &Source{path: cfg.FilePath}, nil
}

// Start opens the capture file and detects its format.
func (s *Source) Start(_ context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", s.path, err)
	}
	r, err := newReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read capture file %s: %w", s.path, err)
	}
	s.file = f
	s.reader = r
	log.GetLogger().WithField("path", s.path).WithField("link_type", r.LinkType().String()).Debug("capture file opened")
	return nil
}

func newReader(br *bufio.Reader) (packetReader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// the block type is endian neutral
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadPacket returns the next frame, or io.EOF at the end of the file.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	if s.reader == nil {
		return core.RawPacket{}, core.ErrSourceNotOpen
	}
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return core.RawPacket{}, io.EOF
		}
		return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
	}
	return core.RawPacket{
		Data:       data,
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(ci.CaptureLength),
		OrigLen:    uint32(ci.Length),
	}, nil
}

func (s *Source) LinkType() layers.LinkType {
	if s.reader == nil {
		return layers.LinkTypeEthernet
	}
	return s.reader.LinkType()
}

func (s *Source) Stop() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}
