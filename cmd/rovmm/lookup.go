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
	"os"
	"strconv"

	"github.com/srediag/gpu-roshare/pkg/identity"
)

// resolveArg accepts a descriptor number of this process or a path. A
// descriptor held by another process is reachable as /proc/<pid>/fd/<n>.
func resolveArg(arg string) (identity.Identity, error) {
	if fd, err := strconv.Atoi(arg); err == nil {
		return identity.Resolve(fd)
	}
	f, err := os.Open(arg)
	if err != nil {
		return identity.Identity{}, err
	}
	defer f.Close()
	return identity.Resolve(int(f.Fd()))
}

func runLookup(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: lookup <path|fd>", errUsage)
	}
	id, err := resolveArg(args[0])
	if err != nil {
		return err
	}
	reg, err := e.openExisting(ctx, e.registryOptions())
	if err != nil {
		return err
	}
	defer reg.Close()

	en, ok := reg.Lookup(id)
	if !ok {
		fmt.Fprintf(e.out, "%s identity %s: not registered\n", args[0], id)
		return nil
	}
	fmt.Fprintf(e.out, "%s identity %s: read-only=%t owner=%d marked=%s\n",
		args[0], id, en.ReadOnly, en.OwnerPID, en.MarkedAt.UTC().Format("2006-01-02T15:04:05Z"))
	return nil
}
