package bth

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeInfiniBand is the gopacket layer type of the BTH. It is mapped to
// UDP port 4791, so gopacket.NewPacket decodes RoCEv2 datagrams on its own.
// gopacket also dispatches on the UDP source port; decodeInfiniBand treats a
// datagram whose destination is not 4791 as plain payload.
var LayerTypeInfiniBand = gopacket.RegisterLayerType(
	4791,
	gopacket.LayerTypeMetadata{Name: "InfiniBand", Decoder: gopacket.DecodeFunc(decodeInfiniBand)},
)

func init() {
	layers.RegisterUDPPortLayerType(layers.UDPPort(RoCEv2Port), LayerTypeInfiniBand)
}

// InfiniBand is the gopacket layer carrying a Base Transport Header. After
// DecodeFromBytes, Header aliases the decoded bytes; everything past the
// header is opaque payload.
type InfiniBand struct {
	layers.BaseLayer
	Header Header
}

// NewLayer builds a layer from field values into freshly allocated bytes.
func NewLayer(opcode uint8, se, mig bool, padCount uint8, pkey uint16, qpn uint32, ackReq bool, psn uint32) *InfiniBand {
	h := New(opcode, se, mig, padCount, pkey, qpn, ackReq, psn)
	return &InfiniBand{
		BaseLayer: layers.BaseLayer{Contents: h},
		Header:    h,
	}
}

func (ib *InfiniBand) LayerType() gopacket.LayerType { return LayerTypeInfiniBand }

func (ib *InfiniBand) CanDecode() gopacket.LayerClass { return LayerTypeInfiniBand }

// HeaderLen is always HeaderLen; the BTH carries no extensions.
func (ib *InfiniBand) HeaderLen() int { return HeaderLen }

// NextLayerType is the opaque payload, or LayerTypeZero when nothing
// follows the header.
func (ib *InfiniBand) NextLayerType() gopacket.LayerType {
	if len(ib.Payload) == 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

// DecodeFromBytes points the layer at data without copying it.
func (ib *InfiniBand) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	h, err := Parse(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	ib.Header = h
	ib.Contents = data[:HeaderLen]
	ib.Payload = data[HeaderLen:]
	return nil
}

// SerializeTo prepends the header to b. No BTH field is derived from other
// layers, so FixLengths and ComputeChecksums have nothing to do. A non-nil
// Header shorter than HeaderLen is rejected with ErrTooShort.
func (ib *InfiniBand) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if ib.Header != nil && !IsDataValid(ib.Header) {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(ib.Header))
	}
	bytes, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	if ib.Header == nil {
		clear(bytes)
		return nil
	}
	copy(bytes, ib.Header[:HeaderLen:HeaderLen])
	return nil
}

func (ib *InfiniBand) String() string {
	if ib.Header == nil {
		return "InfiniBand BTH <empty>"
	}
	return ib.Header.String()
}

func decodeInfiniBand(data []byte, p gopacket.PacketBuilder) error {
	if !toInfiniBandPort(p) {
		return p.NextDecoder(gopacket.LayerTypePayload)
	}
	ib := &InfiniBand{}
	if err := ib.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(ib)
	if len(ib.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// toInfiniBandPort reports whether the UDP datagram being decoded is
// addressed to port 4791. Without a UDP transport layer, as when decoding
// starts at LayerTypeInfiniBand, the bytes are taken as a BTH.
func toInfiniBandPort(p gopacket.PacketBuilder) bool {
	pkt, ok := p.(gopacket.Packet)
	if !ok {
		return true
	}
	udp, ok := pkt.TransportLayer().(*layers.UDP)
	if !ok {
		return true
	}
	return IsInfiniBandPort(uint16(udp.DstPort))
}
