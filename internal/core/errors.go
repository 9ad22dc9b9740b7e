// Package core defines sentinel errors.
package core

import "errors"

var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("rxe: packet too short")
	ErrUnsupportedProto = errors.New("rxe: unsupported protocol")
	ErrNotRoCE          = errors.New("rxe: not a RoCEv2 datagram")
	ErrInvalidBTH       = errors.New("rxe: invalid base transport header")

	// Source errors
	ErrSourceNotOpen = errors.New("rxe: source not open")

	// Configuration errors
	ErrConfigInvalid = errors.New("rxe: invalid configuration")

	// Sink errors
	ErrSinkNotFound = errors.New("rxe: sink not found")
)
