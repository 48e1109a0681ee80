package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-supervisor/pkg/procman"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"Configuration file path (YAML)" required:"true"`
	LogLevel    string `long:"log-level" description:"Override the configured log level (debug, info, warn, error)"`
	Validate    bool   `long:"validate" description:"Validate the configuration, print a summary and exit"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		os.Exit(validate(opts.Config))
	}

	zapLogger, err := zaplogging.New(logLevel(opts))
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger("procsup: ", logging.LogFuncs{
		Debugf: zapLogger.Debugf,
		Infof:  zapLogger.Infof,
		Warnf:  zapLogger.Warnf,
		Errorf: zapLogger.Errorf,
	})

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
		logger.Infof("Run duration limited to %ds", opts.RunDuration)
	}

	if err := procman.Run(ctx, opts.Config, logger); err != nil {
		logger.Errorf("Failed to run: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

// logLevel prefers the flag, then the configured level; an unreadable config
// falls back to the default and is reported by procman.Run
func logLevel(opts flagOptions) string {
	if opts.LogLevel != "" {
		return opts.LogLevel
	}
	config, err := procman.LoadConfigFromFile(opts.Config)
	if err != nil {
		return procman.DefaultLogLevel
	}
	return config.Supervisor.LogLevel
}

func validate(configFile string) int {
	config, err := procman.ValidateConfigFile(configFile)
	if err != nil {
		fmt.Printf("Configuration is invalid: %v\n", err)
		return 1
	}

	summary := procman.GetConfigSummary(config)
	fmt.Printf("Configuration is valid: %s\n", configFile)
	fmt.Printf("  apps: %d (enabled: %d), instances: %d\n", summary.TotalApps, summary.EnabledApps, summary.TotalInstances)
	fmt.Printf("  log level: %s\n", summary.LogLevel)
	if summary.EventStore != "" {
		fmt.Printf("  event store: %s\n", summary.EventStore)
	}
	for _, app := range summary.Apps {
		fmt.Printf("  - %s: script=%s enabled=%t instances=%d watch=%t max_memory_restart=%q\n",
			app.Name, app.Script, app.Enabled, app.Instances, app.Watch, app.MaxMemoryRestart)
	}
	return 0
}
