// Package bth implements the InfiniBand / RoCEv2 Base Transport Header.
//
// The header is 12 bytes, big-endian on the wire:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    OpCode     |S|M|Pad| TVer  |          Partition Key        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|F|B|   Resv6a  |        Destination Queue Pair Number          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|A|   Resv7     |            Packet Sequence Number             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Header is a view over bytes owned by the enclosing packet. Setters write
// through to those bytes.
package bth

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed size of the Base Transport Header.
	HeaderLen = 12

	// RoCEv2Port is the IANA assigned UDP destination port for RoCEv2.
	RoCEv2Port uint16 = 4791
)

// byte 1
const (
	seMask   = 0x80
	migMask  = 0x40
	padMask  = 0x30
	padShift = 4
	tverMask = 0x0F
)

// word at offset 4
const (
	fecnMask   uint32 = 1 << 31
	becnMask   uint32 = 1 << 30
	resv6aMask uint32 = 0x3F000000
	qpnMask    uint32 = 0x00FFFFFF
)

// word at offset 8
const (
	ackMask   uint32 = 1 << 31
	resv7Mask uint32 = 0x7F000000
	psnMask   uint32 = 0x00FFFFFF
)

var (
	// ErrTooShort is returned when a byte run cannot hold a full header.
	ErrTooShort = errors.New("bth: data shorter than base transport header")
	// ErrReservedBits is returned by Validate when resv6a is not zero.
	ErrReservedBits = errors.New("bth: reserved bits set")
	// ErrUnsupportedVersion is returned by Validate when TVer is not 0.
	ErrUnsupportedVersion = errors.New("bth: unsupported transport header version")
)

// Header is a mutable view over a Base Transport Header.
//
// Every accessor requires len(h) >= HeaderLen and panics otherwise. Views
// built from untrusted bytes must go through Parse (or IsDataValid) first.
// A Header performs no locking; callers serialize mutation of shared bytes.
type Header []byte

// Parse returns a Header view over the first HeaderLen bytes of data.
// The view aliases data.
func Parse(data []byte) (Header, error) {
	if !IsDataValid(data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	return Header(data[:HeaderLen:HeaderLen]), nil
}

// New allocates a header and populates it from field values. TVer is 0.
func New(opcode uint8, se, mig bool, padCount uint8, pkey uint16, qpn uint32, ackReq bool, psn uint32) Header {
	h := make(Header, HeaderLen)
	h.SetOpcode(opcode)
	h.SetSolicitedEvent(se)
	h.SetMigReq(mig)
	h.SetPadCount(padCount)
	h.SetPKey(pkey)
	h.SetQPN(qpn)
	h.SetAckReq(ackReq)
	h.SetPSN(psn)
	return h
}

// IsInfiniBandPort reports whether a UDP destination port carries RoCEv2.
func IsInfiniBandPort(port uint16) bool {
	return port == RoCEv2Port
}

// IsDataValid reports whether data is long enough to hold a header.
func IsDataValid(data []byte) bool {
	return data != nil && len(data) >= HeaderLen
}

// fit panics with an index out of range error on a short view.
func (h Header) fit() {
	_ = h[HeaderLen-1]
}

func (h Header) Opcode() uint8 {
	h.fit()
	return h[0]
}

func (h Header) SetOpcode(op uint8) {
	h.fit()
	h[0] = op
}

// SolicitedEvent reports whether the responder should invoke the CQ event handler.
func (h Header) SolicitedEvent() bool {
	h.fit()
	return h[1]&seMask != 0
}

func (h Header) SetSolicitedEvent(se bool) {
	h.fit()
	h[1] = setBit8(h[1], seMask, se)
}

// MigReq reports whether the migration state changed since the last packet.
func (h Header) MigReq() bool {
	h.fit()
	return h[1]&migMask != 0
}

func (h Header) SetMigReq(mig bool) {
	h.fit()
	h[1] = setBit8(h[1], migMask, mig)
}

// PadCount is the number of pad bytes (0-3) appended to the payload.
func (h Header) PadCount() uint8 {
	h.fit()
	return (h[1] & padMask) >> padShift
}

// SetPadCount stores pad modulo 4.
func (h Header) SetPadCount(pad uint8) {
	h.fit()
	h[1] = h[1]&^padMask | (pad<<padShift)&padMask
}

// TVer is the transport header version.
func (h Header) TVer() uint8 {
	h.fit()
	return h[1] & tverMask
}

// SetTVer stores tver modulo 16.
func (h Header) SetTVer(tver uint8) {
	h.fit()
	h[1] = h[1]&^tverMask | tver&tverMask
}

// PKey is the partition key of the destination QP or EE context.
func (h Header) PKey() uint16 {
	h.fit()
	return binary.BigEndian.Uint16(h[2:4])
}

func (h Header) SetPKey(pkey uint16) {
	h.fit()
	binary.BigEndian.PutUint16(h[2:4], pkey)
}

// FECN reports whether the packet went through a point of congestion.
func (h Header) FECN() bool {
	return h.qpnWord()&fecnMask != 0
}

func (h Header) SetFECN(fecn bool) {
	h.setQPNWord(setBit32(h.qpnWord(), fecnMask, fecn))
}

// BECN reports backward congestion; set in ACK and CNP headers.
func (h Header) BECN() bool {
	return h.qpnWord()&becnMask != 0
}

func (h Header) SetBECN(becn bool) {
	h.setQPNWord(setBit32(h.qpnWord(), becnMask, becn))
}

// Resv6a returns the 6 reserved bits between BECN and the QPN.
func (h Header) Resv6a() uint8 {
	return uint8((h.qpnWord() & resv6aMask) >> 24)
}

// ClearResv6a zeroes the reserved bits of the QPN word. FECN, BECN and the
// QPN are kept.
func (h Header) ClearResv6a() {
	h.setQPNWord(h.qpnWord() &^ resv6aMask)
}

// QPN is the 24-bit destination queue pair number.
func (h Header) QPN() uint32 {
	return h.qpnWord() & qpnMask
}

// SetQPN stores the low 24 bits of qpn. Flag and reserved bits are kept.
func (h Header) SetQPN(qpn uint32) {
	h.setQPNWord(h.qpnWord()&^qpnMask | qpn&qpnMask)
}

// AckReq reports whether the responder should schedule an acknowledgment.
func (h Header) AckReq() bool {
	return h.psnWord()&ackMask != 0
}

func (h Header) SetAckReq(ack bool) {
	h.setPSNWord(setBit32(h.psnWord(), ackMask, ack))
}

// Resv7 returns the 7 reserved bits between AckReq and the PSN.
func (h Header) Resv7() uint8 {
	return uint8((h.psnWord() & resv7Mask) >> 24)
}

// PSN is the 24-bit packet sequence number.
func (h Header) PSN() uint32 {
	return h.psnWord() & psnMask
}

// SetPSN stores the low 24 bits of psn. AckReq and reserved bits are kept.
func (h Header) SetPSN(psn uint32) {
	h.setPSNWord(h.psnWord()&^psnMask | psn&psnMask)
}

func (h Header) qpnWord() uint32 {
	h.fit()
	return binary.BigEndian.Uint32(h[4:8])
}

func (h Header) setQPNWord(w uint32) {
	h.fit()
	binary.BigEndian.PutUint32(h[4:8], w)
}

func (h Header) psnWord() uint32 {
	h.fit()
	return binary.BigEndian.Uint32(h[8:12])
}

func (h Header) setPSNWord(w uint32) {
	h.fit()
	binary.BigEndian.PutUint32(h[8:12], w)
}

// String renders the header fields on one line. Identical field values
// always render identically.
func (h Header) String() string {
	return fmt.Sprintf("InfiniBand BTH opcode=%s(0x%02x) se=%t m=%t pad=%d tver=%d pkey=0x%04x fecn=%t becn=%t qpn=0x%06x ack=%t psn=0x%06x",
		Opcode(h.Opcode()), h.Opcode(), h.SolicitedEvent(), h.MigReq(), h.PadCount(), h.TVer(),
		h.PKey(), h.FECN(), h.BECN(), h.QPN(), h.AckReq(), h.PSN())
}

func setBit8(b, mask uint8, on bool) uint8 {
	if on {
		return b | mask
	}
	return b &^ mask
}

func setBit32(w, mask uint32, on bool) uint32 {
	if on {
		return w | mask
	}
	return w &^ mask
}
