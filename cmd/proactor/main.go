package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"proactor"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "proactor",
		Short:         "Asynchronous socket I/O driven by a single event loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (.yaml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "overrides global.log_level")

	cmd.AddCommand(newEchoCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	return cmd
}

// loadConfig reads the config file, if any, and applies the log level.
func (o *rootOptions) loadConfig() (*proactor.Config, error) {
	config := proactor.DefaultConfig()
	if o.configPath != "" {
		loaded, err := proactor.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		config = *loaded
	}
	if o.logLevel != "" {
		config.Global.LogLevel = o.logLevel
	}
	if err := initLog(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func initLog(config *proactor.Config) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	level := zerolog.InfoLevel
	if config.Global.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(config.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", config.Global.LogLevel, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Msgf("%+v", err)
		os.Exit(1)
	}
}
