// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/rxe/internal/config"
	"firestige.xyz/rxe/internal/log"
)

var (
	// Global flags
	configFile string
	logLevel   string

	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rxe",
	Short: "rxe - RoCEv2 Base Transport Header toolkit",
	Long: `rxe decodes, builds and checks InfiniBand Base Transport Headers carried
over RoCEv2 (UDP port 4791).

  rxe decode capture.pcap      print the BTH of every RoCEv2 packet in a capture
  rxe build --qpn 0x12 ...     synthesize a header, or a whole frame into a pcap
  rxe check 04a0ffff...        parse and validate a hex byte run`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(checkCmd)
}

// setup loads the configuration and initializes logging.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	appConfig = cfg
	return nil
}
