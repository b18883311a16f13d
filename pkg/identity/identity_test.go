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

package identity

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolve_StableAcrossDup(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "alloc")
	require.NoError(t, err)
	defer f.Close()

	id, err := Resolve(int(f.Fd()))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	dupFd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	defer unix.Close(dupFd)

	dupID, err := Resolve(dupFd)
	require.NoError(t, err)
	assert.Equal(t, id, dupID)
}

func TestResolve_DistinctObjects(t *testing.T) {
	dir := t.TempDir()
	a, err := os.Create(filepath.Join(dir, "a"))
	require.NoError(t, err)
	defer a.Close()
	b, err := os.Create(filepath.Join(dir, "b"))
	require.NoError(t, err)
	defer b.Close()

	ida, err := Resolve(int(a.Fd()))
	require.NoError(t, err)
	idb, err := Resolve(int(b.Fd()))
	require.NoError(t, err)
	assert.NotEqual(t, ida, idb)
}

func TestResolve_StableAcrossRights(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	left := os.NewFile(uintptr(fds[0]), "left")
	right := os.NewFile(uintptr(fds[1]), "right")
	lc, err := net.FileConn(left)
	require.NoError(t, err)
	defer lc.Close()
	rc, err := net.FileConn(right)
	require.NoError(t, err)
	defer rc.Close()
	_ = left.Close()
	_ = right.Close()

	f, err := os.CreateTemp(t.TempDir(), "passed")
	require.NoError(t, err)
	defer f.Close()
	want, err := Resolve(int(f.Fd()))
	require.NoError(t, err)

	_, _, err = lc.(*net.UnixConn).WriteMsgUnix([]byte{'X'}, unix.UnixRights(int(f.Fd())), nil)
	require.NoError(t, err)
	buf, oob := make([]byte, 1), make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := rc.(*net.UnixConn).ReadMsgUnix(buf, oob)
	require.NoError(t, err)
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	received, err := unix.ParseUnixRights(&msgs[0])
	require.NoError(t, err)
	require.Len(t, received, 1)
	defer unix.Close(received[0])

	assert.NotEqual(t, int(f.Fd()), received[0])
	got, err := Resolve(received[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolve_BadDescriptor(t *testing.T) {
	_, err := Resolve(-1)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)

	f, err := os.CreateTemp(t.TempDir(), "closed")
	require.NoError(t, err)
	fd := int(f.Fd())
	require.NoError(t, f.Close())
	_, err = Resolve(fd)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestIdentity_String(t *testing.T) {
	assert.Equal(t, "12:34", Identity{Dev: 12, Ino: 34}.String())
	assert.True(t, Identity{}.IsZero())
}
