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
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/gpu-roshare/pkg/registry"
)

func runInspect(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: inspect takes no arguments", errUsage)
	}
	reg, err := e.openExisting(ctx, e.registryOptions())
	if err != nil {
		return err
	}
	defer reg.Close()
	return renderTable(e.out, reg.Path(), reg.Stats(), reg.Entries(), ownerState)
}

// ownerState reports whether pid is still running.
func ownerState(pid int) string {
	if pid <= 0 {
		return "-"
	}
	ok, err := process.PidExists(int32(pid))
	switch {
	case err != nil:
		return "?"
	case ok:
		return "alive"
	default:
		return "gone"
	}
}

func renderTable(w io.Writer, path string, st registry.Stats, entries []registry.Entry, owner func(int) string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "segment   %s\n", path)
	fmt.Fprintf(buf, "entries   %d/%d\n", st.Count, st.Capacity)
	fmt.Fprintf(buf, "overflow  %d\n", st.Overflow)
	fmt.Fprintf(buf, "init pid  %d (%s)\n\n", st.InitPID, owner(st.InitPID))

	fmt.Fprintf(buf, "%-5s %-12s %-14s %-3s %-8s %-6s %s\n", "#", "DEV", "INO", "RO", "OWNER", "STATE", "MARKED")
	for i, en := range entries {
		marked := "-"
		if !en.MarkedAt.IsZero() {
			marked = en.MarkedAt.UTC().Format(time.RFC3339)
		}
		ro := "no"
		if en.ReadOnly {
			ro = "yes"
		}
		fmt.Fprintf(buf, "%-5d %-12d %-14d %-3s %-8d %-6s %s\n",
			i, en.Identity.Dev, en.Identity.Ino, ro, en.OwnerPID, owner(en.OwnerPID), marked)
	}
	_, err := buf.WriteTo(w)
	return err
}
