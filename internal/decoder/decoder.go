// Package decoder decodes captured frames down to the RoCEv2 Base Transport
// Header.
package decoder

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/pkg/bth"
)

// Config controls BTH validation.
type Config struct {
	// Strict rejects headers with reserved bits set or a non-zero TVer.
	Strict bool `mapstructure:"strict"`
}

// Decoder decodes frames of a single link type. It reuses its layer
// structs between calls and is not safe for concurrent use.
type Decoder struct {
	cfg      Config
	linkType layers.LinkType

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser

	eth  layers.Ethernet
	sll  layers.LinuxSLL
	vlan layers.Dot1Q
	ip4  layers.IPv4
	ip6  layers.IPv6
	udp  layers.UDP
	ib   bth.InfiniBand

	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for frames captured with linkType.
func NewDecoder(cfg Config, linkType layers.LinkType) *Decoder {
	d := &Decoder{
		cfg:      cfg,
		linkType: linkType,
		parsers:  make(map[gopacket.LayerType]*gopacket.DecodingLayerParser, 4),
		decoded:  make([]gopacket.LayerType, 0, 8),
	}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet,
		layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4,
		layers.LayerTypeIPv6,
	} {
		// The BTH layer is left out on purpose: RoCEv2 dispatch happens in
		// Decode so that the port and length checks stay explicit.
		p := gopacket.NewDecodingLayerParser(first, &d.eth, &d.sll, &d.vlan, &d.ip4, &d.ip6, &d.udp)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return d
}

// LinkType returns the link type the decoder was created for.
func (d *Decoder) LinkType() layers.LinkType {
	return d.linkType
}

// Decode decodes raw into a DecodedPacket. It returns core.ErrNotRoCE for
// frames that are not UDP datagrams to port 4791, and core.ErrInvalidBTH
// when the datagram cannot hold a valid header.
func (d *Decoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	out := core.DecodedPacket{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
		Raw:        raw.Data,
	}

	first, err := d.firstLayer(raw.Data)
	if err != nil {
		return out, err
	}

	d.decoded = d.decoded[:0]
	if err := d.parsers[first].DecodeLayers(raw.Data, &d.decoded); err != nil {
		return out, fmt.Errorf("decode layers: %w", err)
	}

	var hasIP, hasUDP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIP = true
			out.IP = core.IPHeader{
				Version:      4,
				SrcIP:        addr(d.ip4.SrcIP),
				DstIP:        addr(d.ip4.DstIP),
				Protocol:     uint8(d.ip4.Protocol),
				TTL:          d.ip4.TTL,
				TrafficClass: d.ip4.TOS,
			}
		case layers.LayerTypeIPv6:
			hasIP = true
			out.IP = core.IPHeader{
				Version:      6,
				SrcIP:        addr(d.ip6.SrcIP),
				DstIP:        addr(d.ip6.DstIP),
				Protocol:     uint8(d.ip6.NextHeader),
				TTL:          d.ip6.HopLimit,
				TrafficClass: d.ip6.TrafficClass,
			}
		case layers.LayerTypeUDP:
			hasUDP = true
			out.Transport = core.TransportHeader{
				SrcPort:  uint16(d.udp.SrcPort),
				DstPort:  uint16(d.udp.DstPort),
				Protocol: uint8(layers.IPProtocolUDP),
				Length:   d.udp.Length,
			}
		}
	}

	if !hasIP || !hasUDP || !bth.IsInfiniBandPort(out.Transport.DstPort) {
		return out, core.ErrNotRoCE
	}

	payload := d.udp.Payload
	if !bth.IsDataValid(payload) {
		return out, fmt.Errorf("%w: %w: %d bytes", core.ErrInvalidBTH, bth.ErrTooShort, len(payload))
	}
	if err := d.ib.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return out, fmt.Errorf("%w: %w", core.ErrInvalidBTH, err)
	}

	out.BTH = d.ib.Header.Fields()
	out.Payload = d.ib.Payload
	out.Labels = labelsFor(d.ib.Header, out.IP)

	if d.cfg.Strict {
		if err := bth.Validate(d.ib.Header); err != nil {
			out.Labels[core.LabelRoCEStrict] = err.Error()
			return out, fmt.Errorf("%w: %w", core.ErrInvalidBTH, err)
		}
	}
	return out, nil
}

// firstLayer picks the parser entry point for the decoder's link type.
func (d *Decoder) firstLayer(data []byte) (gopacket.LayerType, error) {
	switch d.linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		if len(data) < 1 {
			return gopacket.LayerTypeZero, core.ErrPacketTooShort
		}
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, nil
		case 6:
			return layers.LayerTypeIPv6, nil
		}
	}
	return gopacket.LayerTypeZero, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, d.linkType)
}

func labelsFor(h bth.Header, ip core.IPHeader) core.Labels {
	op := bth.Opcode(h.Opcode())
	labels := core.Labels{
		core.LabelRoCEOpcode:    op.String(),
		core.LabelRoCETransport: op.Transport().String(),
	}
	if ip.CongestionExperienced() {
		labels[core.LabelRoCEECN] = "ce"
	}
	return labels
}

func addr(ip []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// IsSkippable reports whether err only means the frame is not RoCEv2 traffic.
func IsSkippable(err error) bool {
	return errors.Is(err, core.ErrNotRoCE)
}
