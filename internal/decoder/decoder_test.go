package decoder

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/pkg/bth"
)

type frameOpts struct {
	ipv6    bool
	vlan    bool
	raw     bool
	tos     uint8
	dstPort uint16
}

func makeFrame(t testing.TB, o frameOpts, payload []byte) []byte {
	t.Helper()
	if o.dstPort == 0 {
		o.dstPort = bth.RoCEv2Port
	}
	var stack []gopacket.SerializableLayer
	udp := &layers.UDP{SrcPort: 49152, DstPort: layers.UDPPort(o.dstPort)}

	etherType := layers.EthernetTypeIPv4
	if o.ipv6 {
		etherType = layers.EthernetTypeIPv6
	}
	if !o.raw {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
			DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			EthernetType: etherType,
		}
		if o.vlan {
			eth.EthernetType = layers.EthernetTypeDot1Q
			stack = append(stack, eth, &layers.Dot1Q{VLANIdentifier: 100, Type: etherType})
		} else {
			stack = append(stack, eth)
		}
	}

	if o.ipv6 {
		ip := &layers.IPv6{
			Version:      6,
			HopLimit:     64,
			TrafficClass: o.tos,
			NextHeader:   layers.IPProtocolUDP,
			SrcIP:        net.ParseIP("fe80::1"),
			DstIP:        net.ParseIP("fe80::2"),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		stack = append(stack, ip)
	} else {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			TOS:      o.tos,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{192, 168, 1, 1},
			DstIP:    net.IP{192, 168, 1, 2},
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		stack = append(stack, ip)
	}
	stack = append(stack, udp, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stack...))
	return buf.Bytes()
}

func rawPacket(data []byte) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  time.Unix(1700000000, 0),
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

func sendOnly() []byte {
	h := bth.New(0x04, true, false, 2, 0xFFFF, 0x123456, true, 0x00ABCD)
	return append(h, 0xDE, 0xAD, 0xBE, 0xEF)
}

func TestDecodeIPv4RoCE(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	frame := makeFrame(t, frameOpts{}, sendOnly())

	pkt, err := d.Decode(rawPacket(frame))
	require.NoError(t, err)

	assert.Equal(t, uint8(4), pkt.IP.Version)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), pkt.IP.SrcIP)
	assert.Equal(t, netip.MustParseAddr("192.168.1.2"), pkt.IP.DstIP)
	assert.Equal(t, uint16(49152), pkt.Transport.SrcPort)
	assert.Equal(t, bth.RoCEv2Port, pkt.Transport.DstPort)

	assert.Equal(t, uint8(0x04), pkt.BTH.Opcode)
	assert.True(t, pkt.BTH.SolicitedEvent)
	assert.Equal(t, uint8(2), pkt.BTH.PadCount)
	assert.Equal(t, uint16(0xFFFF), pkt.BTH.PKey)
	assert.Equal(t, uint32(0x123456), pkt.BTH.QPN)
	assert.True(t, pkt.BTH.AckReq)
	assert.Equal(t, uint32(0x00ABCD), pkt.BTH.PSN)

	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, pkt.Payload)
	assert.Equal(t, "RC_SEND_ONLY", pkt.Labels[core.LabelRoCEOpcode])
	assert.Equal(t, "RC", pkt.Labels[core.LabelRoCETransport])
	assert.NotContains(t, pkt.Labels, core.LabelRoCEECN)
}

func TestDecodeIPv6VLAN(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	frame := makeFrame(t, frameOpts{ipv6: true, vlan: true, tos: 0x03}, sendOnly())

	pkt, err := d.Decode(rawPacket(frame))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), pkt.IP.Version)
	assert.Equal(t, netip.MustParseAddr("fe80::2"), pkt.IP.DstIP)
	assert.Equal(t, uint32(0x123456), pkt.BTH.QPN)
	assert.Equal(t, "ce", pkt.Labels[core.LabelRoCEECN])
}

func TestDecodeRawLinkType(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeRaw)
	frame := makeFrame(t, frameOpts{raw: true}, sendOnly())

	pkt, err := d.Decode(rawPacket(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00ABCD), pkt.BTH.PSN)
	assert.Equal(t, layers.LinkTypeRaw, d.LinkType())
}

func TestDecodeNotRoCE(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	frame := makeFrame(t, frameOpts{dstPort: 4789}, sendOnly())

	_, err := d.Decode(rawPacket(frame))
	assert.ErrorIs(t, err, core.ErrNotRoCE)
	assert.True(t, IsSkippable(err))
}

func TestDecodeShortBTH(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	frame := makeFrame(t, frameOpts{}, make([]byte, bth.HeaderLen-1))

	_, err := d.Decode(rawPacket(frame))
	assert.ErrorIs(t, err, core.ErrInvalidBTH)
	assert.ErrorIs(t, err, bth.ErrTooShort)
	assert.False(t, IsSkippable(err))
}

func TestDecodeHeaderOnly(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	h := bth.New(0x11, false, false, 0, 0xFFFF, 1, false, 2)
	frame := makeFrame(t, frameOpts{}, h)

	pkt, err := d.Decode(rawPacket(frame))
	require.NoError(t, err)
	assert.Empty(t, pkt.Payload)
	assert.Equal(t, "RC_ACKNOWLEDGE", pkt.Labels[core.LabelRoCEOpcode])
}

func TestDecodeStrict(t *testing.T) {
	h := bth.New(0x04, false, false, 0, 0xFFFF, 1, false, 2)
	h[4] |= 0x01 // reserved bit

	lenient := NewDecoder(Config{}, layers.LinkTypeEthernet)
	_, err := lenient.Decode(rawPacket(makeFrame(t, frameOpts{}, h)))
	assert.NoError(t, err)

	strict := NewDecoder(Config{Strict: true}, layers.LinkTypeEthernet)
	pkt, err := strict.Decode(rawPacket(makeFrame(t, frameOpts{}, h)))
	assert.ErrorIs(t, err, core.ErrInvalidBTH)
	assert.ErrorIs(t, err, bth.ErrReservedBits)
	assert.Contains(t, pkt.Labels[core.LabelRoCEStrict], "reserved")
}

func TestDecodeUnsupportedLinkType(t *testing.T) {
	d := NewDecoder(Config{}, layers.LinkTypeFDDI)
	_, err := d.Decode(rawPacket([]byte{0x45}))
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)

	raw := NewDecoder(Config{}, layers.LinkTypeRaw)
	_, err = raw.Decode(rawPacket(nil))
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func BenchmarkDecode(b *testing.B) {
	frame := makeFrame(b, frameOpts{}, sendOnly())
	d := NewDecoder(Config{}, layers.LinkTypeEthernet)
	raw := rawPacket(frame)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(raw); err != nil {
			b.Fatal(err)
		}
	}
}
