// Package core defines core types.
package core

// Labels represents key-value metadata attached by the decoder.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelRoCEOpcode    = "roce.opcode"    // symbolic opcode, e.g. RC_SEND_ONLY
	LabelRoCETransport = "roce.transport" // RC | UC | RD | UD | CNP | XRC
	LabelRoCEECN       = "roce.ecn"       // "ce" when the IP header carries congestion experienced
	LabelRoCEStrict    = "roce.strict"    // strict validation failure reason
)
