package bth

// Fields is a detached copy of every header field.
type Fields struct {
	Opcode         uint8  `mapstructure:"opcode" json:"opcode" yaml:"opcode"`
	SolicitedEvent bool   `mapstructure:"se" json:"se" yaml:"se"`
	MigReq         bool   `mapstructure:"mig_req" json:"mig_req" yaml:"mig_req"`
	PadCount       uint8  `mapstructure:"pad_count" json:"pad_count" yaml:"pad_count"`
	TVer           uint8  `mapstructure:"tver" json:"tver" yaml:"tver"`
	PKey           uint16 `mapstructure:"pkey" json:"pkey" yaml:"pkey"`
	FECN           bool   `mapstructure:"fecn" json:"fecn" yaml:"fecn"`
	BECN           bool   `mapstructure:"becn" json:"becn" yaml:"becn"`
	QPN            uint32 `mapstructure:"qpn" json:"qpn" yaml:"qpn"`
	AckReq         bool   `mapstructure:"ack_req" json:"ack_req" yaml:"ack_req"`
	PSN            uint32 `mapstructure:"psn" json:"psn" yaml:"psn"`
}

// Fields copies the header into a Fields value.
func (h Header) Fields() Fields {
	return Fields{
		Opcode:         h.Opcode(),
		SolicitedEvent: h.SolicitedEvent(),
		MigReq:         h.MigReq(),
		PadCount:       h.PadCount(),
		TVer:           h.TVer(),
		PKey:           h.PKey(),
		FECN:           h.FECN(),
		BECN:           h.BECN(),
		QPN:            h.QPN(),
		AckReq:         h.AckReq(),
		PSN:            h.PSN(),
	}
}

// Header encodes f into a freshly allocated header. Out of range values are
// truncated to their field widths.
func (f Fields) Header() Header {
	h := New(f.Opcode, f.SolicitedEvent, f.MigReq, f.PadCount, f.PKey, f.QPN, f.AckReq, f.PSN)
	h.SetTVer(f.TVer)
	h.SetFECN(f.FECN)
	h.SetBECN(f.BECN)
	return h
}

// OpcodeName is the symbolic opcode, e.g. RC_SEND_ONLY.
func (f Fields) OpcodeName() string {
	return Opcode(f.Opcode).String()
}
