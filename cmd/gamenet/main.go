package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kbirk/gamenet/pkg/config"
	"github.com/kbirk/gamenet/pkg/log"
)

const version = "0.1.0"

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	white  = color.New(color.FgWhite, color.Bold).SprintFunc()
)

var (
	cfgFile   string
	logLevel  string
	transport string
	host      string
	port      int

	cfg    *config.Config
	logger *log.ConsoleLogger
)

var rootCmd = &cobra.Command{
	Use:           "gamenet",
	Short:         "Run and ping gamenet servers",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// flags override the file
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if transport != "" {
			cfg.Transport = transport
		}
		if host != "" {
			cfg.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = cfg.Logger(os.Stderr)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "transport: tcp, unix, websocket")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "server host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "server port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(red("ERROR: ") + err.Error() + "\n")
		os.Exit(1)
	}
}
