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

package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	readonlyshare "github.com/srediag/gpu-roshare/examples/readonly_share"
	"github.com/srediag/gpu-roshare/pkg/driver/sim"
	"github.com/srediag/gpu-roshare/pkg/lifecycle"
	"github.com/srediag/gpu-roshare/pkg/registry"
	"github.com/srediag/gpu-roshare/pkg/transfer"
)

func runRemove(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: remove takes no arguments", errUsage)
	}
	opts := e.registryOptions()
	if err := registry.Remove(ctx, opts); err != nil {
		return err
	}
	e.log.Warn("shared segment removed; read-only marks are gone", zap.String("segment", opts.Path()))
	return nil
}

func runConfig(_ context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: config takes no arguments", errUsage)
	}
	b, err := e.cfg.Encode()
	if err != nil {
		return err
	}
	_, err = e.out.Write(b)
	return err
}

// runDemo shares one allocation between two runtimes of this process over
// the configured socket.
func runDemo(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	writable := fs.Bool("writable", false, "export without the read-only flag")
	if err := fs.Parse(args); err != nil {
		return err
	}

	newRuntime := func(name string) (*lifecycle.Runtime, func(), error) {
		drv := sim.New(e.log.Named(name))
		rt, err := lifecycle.New(lifecycle.Options{Config: e.cfg, Driver: drv, Logger: e.log.Named(name)})
		if err != nil {
			_ = drv.Close()
			return nil, nil, err
		}
		return rt, func() { _ = rt.Close(); _ = drv.Close() }, nil
	}
	producer, closeProducer, err := newRuntime("producer")
	if err != nil {
		return err
	}
	defer closeProducer()
	consumer, closeConsumer, err := newRuntime("consumer")
	if err != nil {
		return err
	}
	defer closeConsumer()

	socket := e.cfg.Transfer.Socket
	if socket == "" {
		socket = transfer.DefaultSocket
	}
	ln, err := transfer.Listen(socket, e.log)
	if err != nil {
		return err
	}
	defer ln.Close()

	opts := readonlyshare.Options{
		Granularity: sim.Granularity,
		ReadOnly:    !*writable,
		DialTimeout: e.cfg.Transfer.DialTimeout.Std(),
		Logger:      e.log,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- readonlyshare.Produce(ctx, producer, ln, opts) }()

	rep, err := readonlyshare.Consume(ctx, consumer, socket, opts)
	if err != nil {
		cancel()
	}
	if perr := <-done; err == nil {
		err = perr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "size=%d write-denied=%t verified=%d\n", rep.Size, rep.WriteDenied, rep.Verified)
	return nil
}
