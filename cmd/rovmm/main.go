//go:build linux

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command rovmm inspects and serves the shared read-only registry.
//
//	rovmm [-config file] inspect
//	rovmm [-config file] lookup <path|fd>
//	rovmm [-config file] serve [-addr host:port]
//	rovmm [-config file] remove
//	rovmm [-config file] config
//	rovmm [-config file] demo [-writable]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/srediag/gpu-roshare/internal/logging"
	"github.com/srediag/gpu-roshare/pkg/config"
	"github.com/srediag/gpu-roshare/pkg/registry"
)

var errUsage = errors.New("usage")

// env carries what every subcommand needs.
type env struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

func (e *env) registryOptions() registry.Options {
	return registry.Options{
		Name:        e.cfg.Registry.Name,
		Dir:         e.cfg.Registry.Dir,
		Capacity:    e.cfg.Registry.Capacity,
		InitTimeout: e.cfg.Registry.InitTimeout.Std(),
		Logger:      e.log,
	}
}

// openExisting maps the segment without creating it.
func (e *env) openExisting(ctx context.Context, opts registry.Options) (*registry.Registry, error) {
	path := opts.Path()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	return registry.Open(ctx, opts)
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"inspect", "print the shared table", runInspect},
	{"lookup", "<path|fd> report whether a file's identity is marked read-only", runLookup},
	{"serve", "[-addr host:port] expose /metrics, /live and /ready", runServe},
	{"remove", "unlink the shared segment", runRemove},
	{"config", "print the effective configuration", runConfig},
	{"demo", "[-writable] run a producer and a consumer on the simulated driver", runDemo},
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "usage: %s [flags] <command> [args]\n\ncommands:\n", fs.Name())
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rovmm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "TOML configuration file (default $"+config.EnvFile+")")
	verbose := fs.Bool("v", false, "log at debug level unless $"+logging.EnvLevel+" is set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return errUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(loggerConfig(cfg, *verbose))
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	e := &env{cfg: cfg, log: log, out: stdout}
	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, fs.Args()[1:])
		}
	}
	usage(stderr, fs)
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "rovmm:", err)
		}
		stop()
		os.Exit(1)
	}
}

// loggerConfig keeps the configured level unless -v asks for debug.
func loggerConfig(cfg *config.Config, verbose bool) logging.Config {
	lc := cfg.Logging()
	if verbose {
		lc.Level = "debug"
	}
	return lc
}
