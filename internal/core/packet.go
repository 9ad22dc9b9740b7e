// Package core defines core data structures.
package core

import (
	"time"

	"firestige.xyz/rxe/pkg/bth"
)

// RawPacket is a frame read from a source. Data is only valid until the
// next read.
type RawPacket struct {
	Data       []byte
	Timestamp  time.Time
	CaptureLen uint32
	OrigLen    uint32
}

// DecodedPacket is the result of L2-BTH decoding.
type DecodedPacket struct {
	Timestamp  time.Time
	IP         IPHeader
	Transport  TransportHeader
	BTH        bth.Fields
	Labels     Labels
	Payload    []byte // bytes after the BTH, zero-copy slice
	Raw        []byte // the whole frame, aliases RawPacket.Data
	CaptureLen uint32
	OrigLen    uint32
}
