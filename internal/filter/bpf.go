package filter

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/pkg/bth"
)

const (
	acceptLen    = 0x40000
	protocolUDP  = 17
	udpHeaderLen = 8
	maxQPN       = 0x00FFFFFF

	// Jump offsets are 8 bits wide; the IPv4 block plus tail must stay
	// within one jump of the dispatch.
	maxTail   = 240
	maxValues = 64
)

// BPF runs a classic BPF program in user space.
type BPF struct {
	vm *bpf.VM
}

// NewBPF validates prog and returns a filter running it.
func NewBPF(prog []bpf.Instruction) (*BPF, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF program: %w", err)
	}
	return &BPF{vm: vm}, nil
}

// NewRoCEv2 returns a filter accepting UDP datagrams to port 4791 for the
// given link type. Untagged and single-tagged 802.1Q Ethernet are matched;
// IPv4 fragments and IPv6 extension headers are not.
func NewRoCEv2(linkType layers.LinkType) (*BPF, error) {
	prog, err := RoCEv2Program(linkType)
	if err != nil {
		return nil, err
	}
	return NewBPF(prog)
}

// NewQPN returns a filter accepting RoCEv2 datagrams whose destination QP
// is one of qpns.
func NewQPN(linkType layers.LinkType, qpns ...uint32) (*BPF, error) {
	for _, qpn := range qpns {
		if qpn > maxQPN {
			return nil, fmt.Errorf("%w: qpn %#x exceeds 24 bits", core.ErrConfigInvalid, qpn)
		}
	}
	tail, err := oneOf(bpf.LoadIndirect{Off: udpHeaderLen + 4, Size: 4}, maxQPN, qpns)
	if err != nil {
		return nil, err
	}
	prog, err := RoCEv2Program(linkType, tail...)
	if err != nil {
		return nil, err
	}
	return NewBPF(prog)
}

// NewOpcode returns a filter accepting RoCEv2 datagrams carrying one of ops.
func NewOpcode(linkType layers.LinkType, ops ...uint8) (*BPF, error) {
	vals := make([]uint32, len(ops))
	for i, op := range ops {
		vals[i] = uint32(op)
	}
	tail, err := oneOf(bpf.LoadIndirect{Off: udpHeaderLen, Size: 1}, 0, vals)
	if err != nil {
		return nil, err
	}
	prog, err := RoCEv2Program(linkType, tail...)
	if err != nil {
		return nil, err
	}
	return NewBPF(prog)
}

func (f *BPF) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

// RoCEv2Program assembles the RoCEv2 match program. After the link prefix,
// A holds the L3 discriminator and X the offset of the IP header.
//
// tail runs once the UDP destination port matched, with X at the UDP header,
// and must end in a return. An empty tail accepts.
func RoCEv2Program(linkType layers.LinkType, tail ...bpf.Instruction) ([]bpf.Instruction, error) {
	if len(tail) == 0 {
		tail = []bpf.Instruction{bpf.RetConstant{Val: acceptLen}}
	}
	if len(tail) > maxTail {
		return nil, fmt.Errorf("%w: filter program too long", core.ErrConfigInvalid)
	}

	var prog []bpf.Instruction
	var v4Key, v6Key uint32

	switch linkType {
	case layers.LinkTypeEthernet:
		v4Key, v6Key = uint32(layers.EthernetTypeIPv4), uint32(layers.EthernetTypeIPv6)
		prog = []bpf.Instruction{
			bpf.LoadConstant{Dst: bpf.RegX, Val: 14},
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(layers.EthernetTypeDot1Q), SkipTrue: 2},
			bpf.LoadConstant{Dst: bpf.RegX, Val: 18},
			bpf.LoadAbsolute{Off: 16, Size: 2},
		}
	case layers.LinkTypeLinuxSLL:
		v4Key, v6Key = uint32(layers.EthernetTypeIPv4), uint32(layers.EthernetTypeIPv6)
		prog = []bpf.Instruction{
			bpf.LoadConstant{Dst: bpf.RegX, Val: 16},
			bpf.LoadAbsolute{Off: 14, Size: 2},
		}
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		v4Key, v6Key = 4, 6
		prog = []bpf.Instruction{
			bpf.LoadConstant{Dst: bpf.RegX, Val: 0},
			bpf.LoadAbsolute{Off: 0, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpShiftRight, Val: 4},
		}
	default:
		return nil, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, linkType)
	}

	v4 := ipv4Block(tail)
	prog = append(prog,
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: v4Key, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: v6Key, SkipTrue: uint8(1 + len(v4))},
		bpf.RetConstant{Val: 0},
	)
	prog = append(prog, v4...)
	prog = append(prog, ipv6Block(tail)...)
	return prog, nil
}

// ipv4Block expects X at the IPv4 header.
func ipv4Block(tail []bpf.Instruction) []bpf.Instruction {
	n := len(tail)
	block := []bpf.Instruction{
		bpf.LoadIndirect{Off: 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: protocolUDP, SkipTrue: uint8(9 + n)},
		bpf.LoadIndirect{Off: 6, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: uint8(7 + n)},
		bpf.LoadIndirect{Off: 0, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0x0F},
		bpf.ALUOpConstant{Op: bpf.ALUOpShiftLeft, Val: 2},
		bpf.ALUOpX{Op: bpf.ALUOpAdd},
		bpf.TAX{},
		bpf.LoadIndirect{Off: 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(bth.RoCEv2Port), SkipFalse: uint8(n)},
	}
	block = append(block, tail...)
	return append(block, bpf.RetConstant{Val: 0})
}

// ipv6Block expects X at the IPv6 header.
func ipv6Block(tail []bpf.Instruction) []bpf.Instruction {
	n := len(tail)
	block := []bpf.Instruction{
		bpf.LoadIndirect{Off: 6, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: protocolUDP, SkipTrue: uint8(5 + n)},
		bpf.LoadIndirect{Off: 42, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(bth.RoCEv2Port), SkipFalse: uint8(3 + n)},
		bpf.TXA{},
		bpf.ALUOpConstant{Op: bpf.ALUOpAdd, Val: 40},
		bpf.TAX{},
	}
	block = append(block, tail...)
	return append(block, bpf.RetConstant{Val: 0})
}

// oneOf loads a value with load, masks it when mask is non-zero and accepts
// when it equals one of vals.
func oneOf(load bpf.Instruction, mask uint32, vals []uint32) ([]bpf.Instruction, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: empty match list", core.ErrConfigInvalid)
	}
	if len(vals) > maxValues {
		return nil, fmt.Errorf("%w: %d values exceed the limit of %d", core.ErrConfigInvalid, len(vals), maxValues)
	}
	prog := []bpf.Instruction{load}
	if mask != 0 {
		prog = append(prog, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask})
	}
	for i, v := range vals {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: v, SkipTrue: uint8(len(vals) - i)})
	}
	return append(prog, bpf.RetConstant{Val: 0}, bpf.RetConstant{Val: acceptLen}), nil
}
