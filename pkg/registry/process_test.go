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

package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/gpu-roshare/pkg/identity"
)

const (
	childDirEnv   = "ROVMM_REGISTRY_TEST_CHILD_DIR"
	childStartEnv = "ROVMM_REGISTRY_TEST_CHILD_START"
	childMarker   = "registry-constructed-by="

	childProcesses = 8
	marksPerChild  = 50
	childCapacity  = 512
)

func childOptions(dir string) Options {
	return Options{Name: "handles", Dir: dir, Capacity: childCapacity, InitTimeout: 10 * time.Second}
}

// TestRegistryChild is the body of every child started by
// TestMarksAcrossProcesses. It does nothing in a normal run.
func TestRegistryChild(t *testing.T) {
	dir := os.Getenv(childDirEnv)
	if dir == "" {
		t.Skip("only runs as a child process")
	}
	if start, err := strconv.ParseInt(os.Getenv(childStartEnv), 10, 64); err == nil {
		time.Sleep(time.Until(time.Unix(0, start)))
	}

	r, err := Open(context.Background(), childOptions(dir))
	require.NoError(t, err)
	defer r.Close()
	if r.Initialized() {
		fmt.Printf("%s%d\n", childMarker, os.Getpid())
	}
	pid := uint64(os.Getpid())
	for i := 0; i < marksPerChild; i++ {
		require.NoError(t, r.MarkReadOnly(identity.Identity{Dev: pid, Ino: uint64(i + 1)}))
	}
}

func TestMarksAcrossProcesses(t *testing.T) {
	if os.Getenv(childDirEnv) != "" {
		t.Skip("nested run")
	}
	dir := t.TempDir()
	start := time.Now().Add(300 * time.Millisecond).UnixNano()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		outputs = make([]string, childProcesses)
		pids    = make([]int, childProcesses)
		errs    = make([]error, childProcesses)
	)
	for i := 0; i < childProcesses; i++ {
		cmd := exec.Command(os.Args[0], "-test.run", "^TestRegistryChild$", "-test.count=1")
		cmd.Env = append(os.Environ(),
			childDirEnv+"="+dir,
			childStartEnv+"="+strconv.FormatInt(start, 10))
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		require.NoError(t, cmd.Start())
		pids[i] = cmd.Process.Pid

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := cmd.Wait()
			mu.Lock()
			defer mu.Unlock()
			outputs[i], errs[i] = out.String(), err
		}(i)
	}
	wg.Wait()

	constructions := 0
	for i := range outputs {
		require.NoError(t, errs[i], outputs[i])
		constructions += strings.Count(outputs[i], childMarker)
	}
	assert.Equal(t, 1, constructions, "exactly one process constructs the table")

	r, err := Open(context.Background(), childOptions(dir))
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.Initialized())

	st := r.Stats()
	assert.Equal(t, childProcesses*marksPerChild, st.Count, "no mark may be lost")
	assert.Zero(t, st.Overflow)
	assert.Contains(t, pids, st.InitPID)
	assert.False(t, pidAlive(int32(st.InitPID)), "initializer has exited")

	for _, pid := range pids {
		for i := 0; i < marksPerChild; i++ {
			en, ok := r.Lookup(identity.Identity{Dev: uint64(pid), Ino: uint64(i + 1)})
			require.True(t, ok, "pid %d mark %d", pid, i+1)
			assert.True(t, en.ReadOnly)
			assert.Equal(t, pid, en.OwnerPID)
		}
	}
}
