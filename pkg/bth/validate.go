package bth

import "fmt"

// Validate applies the checks IsDataValid leaves out: the reserved bits of
// the QPN word must be zero and the transport header version must be 0.
// Resv7 is not checked; some senders leave it dirty.
func Validate(h Header) error {
	if !IsDataValid(h) {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(h))
	}
	if r := h.Resv6a(); r != 0 {
		return fmt.Errorf("%w: resv6a=0x%02x", ErrReservedBits, r)
	}
	if v := h.TVer(); v != 0 {
		return fmt.Errorf("%w: tver=%d", ErrUnsupportedVersion, v)
	}
	return nil
}
