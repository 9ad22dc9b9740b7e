package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rxe/internal/config"
	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/internal/decoder"
	"firestige.xyz/rxe/internal/filter"
	"firestige.xyz/rxe/internal/metrics"
	"firestige.xyz/rxe/internal/sink"
	"firestige.xyz/rxe/internal/source/file"
	"firestige.xyz/rxe/pkg/bth"
)

// sliceSource replays frames, then returns err (io.EOF when nil).
type sliceSource struct {
	frames [][]byte
	err    error
}

func (s *sliceSource) ReadPacket() (core.RawPacket, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return core.RawPacket{}, s.err
		}
		return core.RawPacket{}, io.EOF
	}
	data := s.frames[0]
	s.frames = s.frames[1:]
	return core.RawPacket{Data: data, Timestamp: time.Unix(1700000000, 0), CaptureLen: uint32(len(data)), OrigLen: uint32(len(data))}, nil
}

func (s *sliceSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

type recordingSink struct {
	pkts   []core.DecodedPacket
	err    error
	closed bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(pkt *core.DecodedPacket) error {
	if s.err != nil {
		return s.err
	}
	s.pkts = append(s.pkts, *pkt)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func frame(t testing.TB, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 49152, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func sendOnly(psn uint32) []byte {
	h := bth.New(uint8(bth.MakeOpcode(bth.TransportRC, bth.OpSendOnly)), false, false, 0, 0xFFFF, 0x11, true, psn)
	h.SetFECN(true)
	return append(h, 0xde, 0xad, 0xbe, 0xef)
}

func TestRunCountsOutcomes(t *testing.T) {
	badTVer := sendOnly(3)
	bth.Header(badTVer).SetTVer(1)

	src := &sliceSource{frames: [][]byte{
		frame(t, 4791, sendOnly(1)),
		frame(t, 4791, sendOnly(2)),
		frame(t, 53, []byte{1, 2, 3}),            // not RoCE
		frame(t, 4791, []byte{0x04, 0x00, 0xff}), // short BTH
		frame(t, 4791, badTVer),                  // rejected in strict mode
		{0x00, 0x01},                             // runt frame
	}}
	rec := &recordingSink{}
	m := metrics.New()

	p, err := New(Config{
		Source:  src,
		Decoder: decoder.NewDecoder(decoder.Config{Strict: true}, layers.LinkTypeEthernet),
		Sinks:   []sink.Sink{rec},
		Metrics: m,
	})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Received: 6, Decoded: 5, NotRoCE: 1, RoCE: 2, Invalid: 2, Errors: 1}, stats)
	assert.Equal(t, stats.Received, stats.Filtered+stats.NotRoCE+stats.RoCE+stats.Invalid+stats.Errors)
	assert.Equal(t, stats, p.Stats())

	require.Len(t, rec.pkts, 2)
	assert.Equal(t, uint32(1), rec.pkts[0].BTH.PSN)
	assert.Equal(t, uint32(2), rec.pkts[1].BTH.PSN)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, rec.pkts[0].Payload)
	assert.True(t, rec.closed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsTotal.WithLabelValues(metrics.ResultRoCE)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsTotal.WithLabelValues(metrics.ResultInvalid)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoCEPacketsTotal.WithLabelValues("RC_SEND_ONLY", "RC")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CongestionTotal.WithLabelValues("fecn")))
}

func TestRunWithPrefilter(t *testing.T) {
	f, err := filter.NewRoCEv2(layers.LinkTypeEthernet)
	require.NoError(t, err)

	src := &sliceSource{frames: [][]byte{
		frame(t, 4791, sendOnly(7)),
		frame(t, 53, []byte{1, 2, 3}),
	}}
	p, err := New(Config{
		Source:  src,
		Filter:  f,
		Decoder: decoder.NewDecoder(decoder.Config{}, layers.LinkTypeEthernet),
	})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Received: 2, Filtered: 1, Decoded: 1, RoCE: 1}, stats)
}

func TestRunSinkErrorIsCounted(t *testing.T) {
	rec := &recordingSink{err: errors.New("disk full")}
	m := metrics.New()
	p, err := New(Config{
		Source:  &sliceSource{frames: [][]byte{frame(t, 4791, sendOnly(1))}},
		Decoder: decoder.NewDecoder(decoder.Config{}, layers.LinkTypeEthernet),
		Sinks:   []sink.Sink{rec},
		Metrics: m,
	})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Received: 1, Decoded: 1, RoCE: 1, SinkErrors: 1}, stats)
	assert.Equal(t, stats.Received, stats.Filtered+stats.NotRoCE+stats.RoCE+stats.Invalid+stats.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrorsTotal.WithLabelValues("recording")))
}

func TestRunSourceError(t *testing.T) {
	boom := errors.New("corrupt capture")
	p, err := New(Config{
		Source:  &sliceSource{frames: [][]byte{frame(t, 4791, sendOnly(1))}, err: boom},
		Decoder: decoder.NewDecoder(decoder.Config{}, layers.LinkTypeEthernet),
	})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), stats.RoCE)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recordingSink{}
	p, err := New(Config{
		Source:  &sliceSource{frames: [][]byte{frame(t, 4791, sendOnly(1))}},
		Decoder: decoder.NewDecoder(decoder.Config{}, layers.LinkTypeEthernet),
		Sinks:   []sink.Sink{rec},
	})
	require.NoError(t, err)

	stats, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Received)
	assert.True(t, rec.closed)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{Decoder: decoder.NewDecoder(decoder.Config{}, layers.LinkTypeEthernet)})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Source: &sliceSource{}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestBuildFromConfig(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	text := filepath.Join(dir, "out.txt")

	f, err := os.Create(in)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, data := range [][]byte{frame(t, 4791, sendOnly(1)), frame(t, 53, []byte{1}), frame(t, 4791, sendOnly(2))} {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000+int64(i), 0), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, f.Close())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sinks = []config.SinkConfig{
		{Type: "console", Options: map[string]any{"output": text}},
		{Type: "pcap", Options: map[string]any{"path": out}},
	}

	src, err := file.NewSource(file.Config{FilePath: in})
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	p, err := Build(cfg, src, nil)
	require.NoError(t, err)
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Received: 3, Filtered: 1, Decoded: 2, RoCE: 2}, stats)

	lines, err := os.ReadFile(text)
	require.NoError(t, err)
	assert.Contains(t, string(lines), "opcode=RC_SEND_ONLY(0x04)")

	rf, err := os.Open(out)
	require.NoError(t, err)
	defer rf.Close()
	r, err := pcapgo.NewReader(rf)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
}

func TestBuildUnknownSink(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sinks = []config.SinkConfig{{Type: "kafka"}}

	_, err = Build(cfg, &sliceSource{}, nil)
	assert.ErrorIs(t, err, core.ErrSinkNotFound)
	assert.Contains(t, err.Error(), "available: console, pcap")
}

func TestBuildQPNAndOpcodeFilters(t *testing.T) {
	other := bth.New(uint8(bth.MakeOpcode(bth.TransportRC, bth.OpSendOnly)), false, false, 0, 0xFFFF, 0x22, false, 9)
	write := bth.New(uint8(bth.MakeOpcode(bth.TransportRC, bth.OpRDMAWriteOnly)), false, false, 0, 0xFFFF, 0x11, false, 10)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sinks = nil
	cfg.Filter.QPNs = []uint32{0x11}
	cfg.Filter.Opcodes = []uint8{uint8(bth.MakeOpcode(bth.TransportRC, bth.OpSendOnly))}
	rec := &recordingSink{}

	src := &sliceSource{frames: [][]byte{
		frame(t, 4791, sendOnly(1)),
		frame(t, 4791, other),
		frame(t, 4791, write),
		frame(t, 53, sendOnly(2)),
	}}
	p, err := Build(cfg, src, nil)
	require.NoError(t, err)
	p.sinks = append(p.sinks, rec)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Received: 4, Filtered: 3, Decoded: 1, RoCE: 1}, stats)
	require.Len(t, rec.pkts, 1)
	assert.Equal(t, uint32(1), rec.pkts[0].BTH.PSN)
}

func TestBuildInvalidFilter(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Filter.Opcodes = make([]uint8, 65)

	_, err = Build(cfg, &sliceSource{}, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
