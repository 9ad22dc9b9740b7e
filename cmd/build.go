package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/rxe/internal/core"
	"firestige.xyz/rxe/pkg/bth"
)

type buildOptions struct {
	opcode  uint8
	se      bool
	mig     bool
	pad     uint8
	tver    uint8
	pkey    uint16
	fecn    bool
	becn    bool
	qpn     uint32
	ack     bool
	psn     uint32
	payload string

	out     string
	srcIP   string
	dstIP   string
	srcPort uint16
}

var buildOpts buildOptions

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Synthesize a Base Transport Header",
	Long: `Build a BTH from field values and print it as hex. With --out, wrap it in an
Ethernet/IPv4/UDP frame to port 4791 and write a one packet pcap file.

Examples:
  rxe build --opcode 0x04 --se --pad 2 --qpn 0x123456 --ack --psn 0xabcd
  rxe build --opcode 0x0a --qpn 7 --payload deadbeef --out write.pcap`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(buildOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := buildCmd.Flags()
	f.Uint8Var(&buildOpts.opcode, "opcode", uint8(bth.OpSendOnly), "opcode (transport service | operation)")
	f.BoolVar(&buildOpts.se, "se", false, "solicited event")
	f.BoolVar(&buildOpts.mig, "mig", false, "migration request")
	f.Uint8Var(&buildOpts.pad, "pad", 0, "pad count (0-3)")
	f.Uint8Var(&buildOpts.tver, "tver", 0, "transport header version")
	f.Uint16Var(&buildOpts.pkey, "pkey", 0xFFFF, "partition key")
	f.BoolVar(&buildOpts.fecn, "fecn", false, "forward explicit congestion notification")
	f.BoolVar(&buildOpts.becn, "becn", false, "backward explicit congestion notification")
	f.Uint32Var(&buildOpts.qpn, "qpn", 0, "destination queue pair number (24 bit)")
	f.BoolVar(&buildOpts.ack, "ack", false, "acknowledge request")
	f.Uint32Var(&buildOpts.psn, "psn", 0, "packet sequence number (24 bit)")
	f.StringVar(&buildOpts.payload, "payload", "", "hex payload following the header")

	f.StringVarP(&buildOpts.out, "out", "o", "", "write an Ethernet/IPv4/UDP frame to this pcap file")
	f.StringVar(&buildOpts.srcIP, "src", "192.0.2.1", "source IPv4 address of the frame")
	f.StringVar(&buildOpts.dstIP, "dst", "192.0.2.2", "destination IPv4 address of the frame")
	f.Uint16Var(&buildOpts.srcPort, "sport", 49152, "UDP source port of the frame")
}

func (o buildOptions) header() bth.Header {
	h := bth.New(o.opcode, o.se, o.mig, o.pad, o.pkey, o.qpn, o.ack, o.psn)
	h.SetTVer(o.tver)
	h.SetFECN(o.fecn)
	h.SetBECN(o.becn)
	return h
}

func runBuild(opts buildOptions, out io.Writer) error {
	payload, err := decodeHex(opts.payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	h := opts.header()

	fmt.Fprintln(out, hex.EncodeToString(h))
	fmt.Fprintln(out, h)

	if opts.out == "" {
		return nil
	}
	frame, err := buildFrame(opts, h, payload)
	if err != nil {
		return err
	}
	if err := writeFrame(opts.out, frame); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d byte frame to %s\n", len(frame), opts.out)
	return nil
}

// buildFrame serializes Ethernet/IPv4/UDP/BTH/payload with lengths and
// checksums fixed up.
func buildFrame(opts buildOptions, h bth.Header, payload []byte) ([]byte, error) {
	src := net.ParseIP(opts.srcIP).To4()
	dst := net.ParseIP(opts.dstIP).To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("%w: --src and --dst must be IPv4 addresses", core.ErrConfigInvalid)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(opts.srcPort),
		DstPort: layers.UDPPort(bth.RoCEv2Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	ib := &bth.InfiniBand{Header: h}

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opt, eth, ip, udp, ib, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFrame(path string, frame []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := w.WritePacket(ci, frame); err != nil {
		return err
	}
	return f.Close()
}

// decodeHex accepts plain hex as well as bytes separated by spaces, colons
// or dashes, with an optional 0x prefix.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\n", "", "\t", "").Replace(s)
	return hex.DecodeString(s)
}
