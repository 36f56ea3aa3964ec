// Command meridian runs the query orchestration service.
//
// Usage:
//
//	meridian serve --config config.yaml
//	meridian serve --config config.yaml --watch
//	meridian validate --config config.yaml
//	meridian schema > config.schema.json
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/config/provider"
	"github.com/meridianhq/meridian/pkg/runtime"
)

// Exit codes follow sysexits: 64 for usage and configuration errors,
// 69 for unreachable dependencies, 70 for internal failures.
const (
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func unavailableErr(err error) error {
	return &exitError{code: exitUnavailable, err: err}
}

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON Schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error); overrides config."`
	LogFormat string `help:"Log format (text, json); overrides config."`
	LogFile   string `help:"Log file path (empty = stderr); overrides config."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("meridian %s\n", version)
	return nil
}

// ServeCmd starts the orchestration server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on; overrides config."`
	Watch bool `help:"Watch the config file and apply changes to new queries."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return usageErr("--config is required for serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = config.LoadDotEnvForConfig(cli.Config)

	var rt *runtime.Runtime

	p, err := provider.New(provider.ProviderConfig{Type: provider.TypeFile, Path: cli.Config})
	if err != nil {
		return usageErr("%v", err)
	}
	loader := config.NewLoader(p, config.WithOnChange(func(next *config.Config) {
		if rt == nil {
			return
		}
		if err := rt.Reload(ctx, next); err != nil {
			logError("Config reload rejected", err)
		}
	}))
	defer func() { _ = loader.Close() }()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return usageErr("%v", err)
	}

	cleanup, err := initLogger(&cfg.Logger, cli)
	if err != nil {
		return usageErr("%v", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err = runtime.New(ctx, cfg)
	if err != nil {
		return unavailableErr(err)
	}

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				logError("Config watch stopped", err)
			}
		}()
	}

	fmt.Printf("%s ready\n", cfg.Name)
	fmt.Printf("   API:     http://%s/v1/turns\n", cfg.Server.Address())
	fmt.Printf("   Health:  http://%s/healthz\n", cfg.Server.Address())
	if cfg.Server.Metrics.Enabled {
		fmt.Printf("   Metrics: http://%s/metrics\n", cfg.Server.Address())
	}
	fmt.Println("Press Ctrl+C to stop")

	if err := rt.Run(ctx); err != nil {
		return unavailableErr(err)
	}
	return nil
}

// ValidateCmd checks a configuration file and reports what it wires.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return usageErr("--config is required for validate")
	}

	ctx := context.Background()
	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return usageErr("%v", err)
	}
	defer func() { _ = loader.Close() }()

	fmt.Printf("Configuration valid: %s\n", cli.Config)
	fmt.Printf("   Name:     %s\n", cfg.Name)
	fmt.Printf("   Models:   %d (default: %s)\n", len(cfg.Models), cfg.DefaultModel)
	fmt.Printf("   Agents:   %d\n", len(cfg.Agents))
	fmt.Printf("   Database: %s\n", cfg.Database.Driver)
	fmt.Printf("   Vectors:  %s\n", cfg.VectorStore.Type)
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("meridian"),
		kong.Description("Multi-agent query orchestration service"),
		kong.UsageOnError(),
	)

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "meridian: %v\n", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(exitInternal)
	}
}
