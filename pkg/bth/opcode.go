package bth

import "fmt"

// Opcode is the BTH operation code. The top 3 bits select the transport
// service, the low 5 bits the operation.
type Opcode uint8

// Transport is the service class encoded in the top 3 opcode bits.
type Transport uint8

const (
	TransportRC  Transport = 0x00
	TransportUC  Transport = 0x20
	TransportRD  Transport = 0x40
	TransportUD  Transport = 0x60
	TransportCNP Transport = 0x80
	TransportXRC Transport = 0xA0

	transportMask = 0xE0
	operationMask = 0x1F
)

// Operations shared by the transport services.
const (
	OpSendFirst                  uint8 = 0x00
	OpSendMiddle                 uint8 = 0x01
	OpSendLast                   uint8 = 0x02
	OpSendLastWithImmediate      uint8 = 0x03
	OpSendOnly                   uint8 = 0x04
	OpSendOnlyWithImmediate      uint8 = 0x05
	OpRDMAWriteFirst             uint8 = 0x06
	OpRDMAWriteMiddle            uint8 = 0x07
	OpRDMAWriteLast              uint8 = 0x08
	OpRDMAWriteLastWithImmediate uint8 = 0x09
	OpRDMAWriteOnly              uint8 = 0x0A
	OpRDMAWriteOnlyWithImmediate uint8 = 0x0B
	OpRDMAReadRequest            uint8 = 0x0C
	OpRDMAReadResponseFirst      uint8 = 0x0D
	OpRDMAReadResponseMiddle     uint8 = 0x0E
	OpRDMAReadResponseLast       uint8 = 0x0F
	OpRDMAReadResponseOnly       uint8 = 0x10
	OpAcknowledge                uint8 = 0x11
	OpAtomicAcknowledge          uint8 = 0x12
	OpCompareSwap                uint8 = 0x13
	OpFetchAdd                   uint8 = 0x14
	OpResync                     uint8 = 0x15
	OpSendLastWithInvalidate     uint8 = 0x16
	OpSendOnlyWithInvalidate     uint8 = 0x17
	OpFlush                      uint8 = 0x1C
	OpAtomicWrite                uint8 = 0x1D
)

// OpcodeCNP is the RoCEv2 congestion notification packet.
const OpcodeCNP Opcode = 0x81

var transportNames = map[Transport]string{
	TransportRC:  "RC",
	TransportUC:  "UC",
	TransportRD:  "RD",
	TransportUD:  "UD",
	TransportCNP: "CNP",
	TransportXRC: "XRC",
}

var operationNames = map[uint8]string{
	OpSendFirst:                  "SEND_FIRST",
	OpSendMiddle:                 "SEND_MIDDLE",
	OpSendLast:                   "SEND_LAST",
	OpSendLastWithImmediate:      "SEND_LAST_WITH_IMMEDIATE",
	OpSendOnly:                   "SEND_ONLY",
	OpSendOnlyWithImmediate:      "SEND_ONLY_WITH_IMMEDIATE",
	OpRDMAWriteFirst:             "RDMA_WRITE_FIRST",
	OpRDMAWriteMiddle:            "RDMA_WRITE_MIDDLE",
	OpRDMAWriteLast:              "RDMA_WRITE_LAST",
	OpRDMAWriteLastWithImmediate: "RDMA_WRITE_LAST_WITH_IMMEDIATE",
	OpRDMAWriteOnly:              "RDMA_WRITE_ONLY",
	OpRDMAWriteOnlyWithImmediate: "RDMA_WRITE_ONLY_WITH_IMMEDIATE",
	OpRDMAReadRequest:            "RDMA_READ_REQUEST",
	OpRDMAReadResponseFirst:      "RDMA_READ_RESPONSE_FIRST",
	OpRDMAReadResponseMiddle:     "RDMA_READ_RESPONSE_MIDDLE",
	OpRDMAReadResponseLast:       "RDMA_READ_RESPONSE_LAST",
	OpRDMAReadResponseOnly:       "RDMA_READ_RESPONSE_ONLY",
	OpAcknowledge:                "ACKNOWLEDGE",
	OpAtomicAcknowledge:          "ATOMIC_ACKNOWLEDGE",
	OpCompareSwap:                "COMPARE_SWAP",
	OpFetchAdd:                   "FETCH_ADD",
	OpResync:                     "RESYNC",
	OpSendLastWithInvalidate:     "SEND_LAST_WITH_INVALIDATE",
	OpSendOnlyWithInvalidate:     "SEND_ONLY_WITH_INVALIDATE",
	OpFlush:                      "FLUSH",
	OpAtomicWrite:                "ATOMIC_WRITE",
}

// supported lists the operations each transport service defines.
var supported = map[Transport]func(op uint8) bool{
	TransportRC: func(op uint8) bool {
		return op <= OpSendOnlyWithInvalidate && op != OpResync || op == OpFlush || op == OpAtomicWrite
	},
	TransportUC: func(op uint8) bool {
		return op <= OpRDMAWriteOnlyWithImmediate
	},
	TransportRD: func(op uint8) bool {
		return op <= OpResync
	},
	TransportUD: func(op uint8) bool {
		return op == OpSendOnly || op == OpSendOnlyWithImmediate
	},
	TransportXRC: func(op uint8) bool {
		return op <= OpSendOnlyWithInvalidate && op != OpResync
	},
}

// MakeOpcode combines a transport service and an operation.
func MakeOpcode(t Transport, op uint8) Opcode {
	return Opcode(uint8(t)&transportMask | op&operationMask)
}

func (o Opcode) Transport() Transport {
	return Transport(uint8(o) & transportMask)
}

func (o Opcode) Operation() uint8 {
	return uint8(o) & operationMask
}

// Known reports whether the opcode is defined for its transport service.
func (o Opcode) Known() bool {
	if o == OpcodeCNP {
		return true
	}
	fn, ok := supported[o.Transport()]
	return ok && fn(o.Operation())
}

func (t Transport) String() string {
	if name, ok := transportNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TRANSPORT(0x%02x)", uint8(t))
}

// String returns names such as RC_SEND_ONLY, or UNKNOWN(0xNN).
func (o Opcode) String() string {
	if o == OpcodeCNP {
		return "CNP"
	}
	if !o.Known() {
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(o))
	}
	return o.Transport().String() + "_" + operationNames[o.Operation()]
}
