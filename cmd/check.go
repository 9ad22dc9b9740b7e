package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rxe/pkg/bth"
)

type checkOptions struct {
	strict bool
	format string
}

var checkOpts checkOptions

var checkCmd = &cobra.Command{
	Use:   "check <hex>",
	Short: "Parse and validate a hex encoded Base Transport Header",
	Long: `Parse the first 12 bytes of a hex byte run as a BTH and print its fields.
Bytes after the header are reported as payload.

Examples:
  rxe check 04a0ffff0012345680 00abcd
  rxe check 04:a0:ff:ff:00:12:34:56:80:00:ab:cd --strict --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(strings.Join(args, ""), checkOpts, cmd.OutOrStdout())
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkOpts.strict, "strict", false,
		"fail when reserved bits are set or TVer is not 0")
	checkCmd.Flags().StringVarP(&checkOpts.format, "format", "f", "yaml",
		"output format: yaml or json")
}

type checkResult struct {
	Opcode     string     `json:"opcode" yaml:"opcode"`
	Known      bool       `json:"known" yaml:"known"`
	Fields     bth.Fields `json:"fields" yaml:"fields"`
	Resv6a     uint8      `json:"resv6a" yaml:"resv6a"`
	Resv7      uint8      `json:"resv7" yaml:"resv7"`
	PayloadLen int        `json:"payload_len" yaml:"payload_len"`
	Valid      bool       `json:"valid" yaml:"valid"`
	Problem    string     `json:"problem,omitempty" yaml:"problem,omitempty"`
}

func runCheck(input string, opts checkOptions, out io.Writer) error {
	data, err := decodeHex(input)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	if !bth.IsDataValid(data) {
		return fmt.Errorf("%w: %d bytes", bth.ErrTooShort, len(data))
	}
	h, err := bth.Parse(data)
	if err != nil {
		return err
	}

	op := bth.Opcode(h.Opcode())
	res := checkResult{
		Opcode:     op.String(),
		Known:      op.Known(),
		Fields:     h.Fields(),
		Resv6a:     h.Resv6a(),
		Resv7:      h.Resv7(),
		PayloadLen: len(data) - bth.HeaderLen,
		Valid:      true,
	}
	verr := bth.Validate(h)
	if verr != nil {
		res.Valid = false
		res.Problem = verr.Error()
	}

	if err := render(out, opts.format, res); err != nil {
		return err
	}
	if opts.strict && verr != nil {
		return verr
	}
	return nil
}

func render(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

