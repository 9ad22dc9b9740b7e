package bth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		code     Opcode
		expected string
	}{
		{0x00, "RC_SEND_FIRST"},
		{0x04, "RC_SEND_ONLY"},
		{0x0A, "RC_RDMA_WRITE_ONLY"},
		{0x11, "RC_ACKNOWLEDGE"},
		{0x1C, "RC_FLUSH"},
		{0x1D, "RC_ATOMIC_WRITE"},
		{0x26, "UC_RDMA_WRITE_FIRST"},
		{0x4C, "RD_RDMA_READ_REQUEST"},
		{0x55, "RD_RESYNC"},
		{0x64, "UD_SEND_ONLY"},
		{0x65, "UD_SEND_ONLY_WITH_IMMEDIATE"},
		{0x81, "CNP"},
		{0xB7, "XRC_SEND_ONLY_WITH_INVALIDATE"},
		{0x15, "UNKNOWN(0x15)"},
		{0x2C, "UNKNOWN(0x2c)"},
		{0x60, "UNKNOWN(0x60)"},
		{0x80, "UNKNOWN(0x80)"},
		{0xE4, "UNKNOWN(0xe4)"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.code.String())
		})
	}
}

func TestMakeOpcode(t *testing.T) {
	op := MakeOpcode(TransportUD, OpSendOnly)
	assert.Equal(t, Opcode(0x64), op)
	assert.Equal(t, TransportUD, op.Transport())
	assert.Equal(t, OpSendOnly, op.Operation())
	assert.Equal(t, "UD", op.Transport().String())

	// operation bits beyond 5 are dropped
	assert.Equal(t, Opcode(0x24), MakeOpcode(TransportUC, 0xE4))
	assert.Equal(t, "TRANSPORT(0xe0)", Transport(0xE0).String())
}
