// Package core defines core types shared by the decoder, pipeline and sinks.
package core

import "net/netip"

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8 // UDP=17
	TTL      uint8
	// DSCP/ECN byte; ECN=0b11 marks congestion experienced on RoCEv2 fabrics
	TrafficClass uint8
}

// TransportHeader represents the UDP header carrying RoCEv2.
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Length   uint16
}

// ECN codepoints of the low two TrafficClass bits.
const (
	ECNNotECT uint8 = 0x00
	ECNECT1   uint8 = 0x01
	ECNECT0   uint8 = 0x02
	ECNCE     uint8 = 0x03
)

// ECN returns the ECN codepoint of the IP header.
func (ip IPHeader) ECN() uint8 {
	return ip.TrafficClass & 0x03
}

// CongestionExperienced reports whether a switch marked the packet CE.
func (ip IPHeader) CongestionExperienced() bool {
	return ip.ECN() == ECNCE
}
