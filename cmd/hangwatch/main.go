package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/hangwatch/config"
	"github.com/timzifer/hangwatch/internal/logging"
	"github.com/timzifer/hangwatch/monitor"
)

type options struct {
	Config      string `short:"c" long:"config" default:"hangwatch.yaml" description:"Path to a configuration file or a directory of YAML files"`
	ConfigCheck bool   `long:"config-check" description:"Validate the configuration, print a summary and exit"`
	Listen      string `long:"listen" description:"Serve the status API on this address, overriding the configuration"`
	LogLevel    string `long:"log-level" description:"Pin the log level; configuration reloads keep this logger"`
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if opts.ConfigCheck {
		os.Exit(executeConfigCheck(os.Stdout, cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	monitorOpts := []monitor.Option{
		monitor.WithConfig(cfg),
		monitor.WithConfigPath(opts.Config, nil),
		monitor.WithListenAddress(opts.Listen),
	}
	if opts.LogLevel != "" {
		loggingCfg := cfg.Logging
		loggingCfg.Level = opts.LogLevel
		logger, cleanup, err := logging.Setup(loggingCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to setup logger")
		}
		defer cleanup()
		log.Logger = logger
		monitorOpts = append(monitorOpts, monitor.WithLogger(logger))
	}

	mon, err := monitor.New(ctx, monitorOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create monitor")
	}
	defer mon.Close()

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("monitor stopped with error")
		mon.Close()
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "hangwatch"
	if _, err := parser.ParseArgs(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func executeConfigCheck(w io.Writer, cfg *config.Config) int {
	if err := monitor.Validate(cfg); err != nil {
		fmt.Fprintf(w, "configuration invalid: %v\n", err)
		return 1
	}

	if sources := config.SourceFiles(cfg); len(sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		for _, source := range sources {
			fmt.Fprintf(w, "  - %s\n", source)
		}
	}

	timeout := cfg.TrackerTimeout()
	factor := cfg.SuspensionFactor()
	fmt.Fprintln(w, "Tracker:")
	fmt.Fprintf(w, "  Timeout: %s\n", timeout)
	fmt.Fprintf(w, "  Suspension threshold: %s (factor %g)\n", cfg.SuspensionThreshold(), factor)
	fmt.Fprintf(w, "  Starts in foreground: %t\n", cfg.InitialForeground())

	fmt.Fprintln(w, "Severity rules:")
	for _, rule := range cfg.Severity {
		fmt.Fprintf(w, "  - %s: %s\n", rule.Name, strings.TrimSpace(rule.When))
	}
	fmt.Fprintf(w, "  - %s: (fallback)\n", monitor.DefaultSeverity)

	if cfg.Server.Enabled {
		fmt.Fprintf(w, "Status server: %s\n", cfg.ServerListen())
	} else {
		fmt.Fprintln(w, "Status server: disabled")
	}
	if cfg.Workload.Enabled {
		fmt.Fprintf(w, "Workload: stall %s every %s\n", cfg.WorkloadStall(), cfg.WorkloadInterval())
	} else {
		fmt.Fprintln(w, "Workload: disabled")
	}
	fmt.Fprintf(w, "Hot reload: %t\n", cfg.HotReload)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration check completed successfully.")
	return 0
}
