// Copyright 2024 The Container-Native FS Interposer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostio

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func readAllNames(t *testing.T, fd int) []string {
	t.Helper()
	var names []string
	buf := make([]byte, 4096)
	for {
		entries, err := ReadDirents(fd, buf)
		require.NoError(t, err)
		if len(entries) == 0 {
			return names
		}
		for _, de := range entries {
			if de.Name == "." || de.Name == ".." {
				continue
			}
			names = append(names, de.Name)
		}
	}
}

func TestReadDirents(t *testing.T) {
	dir := t.TempDir()
	want := []string{"a", "b", "subdir", "some longer file name"}
	for _, name := range want[:2] {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "some longer file name"), nil, 0644))

	fd, err := OpenAt(unix.AT_FDCWD, dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	names := readAllNames(t, fd)
	sort.Strings(names)
	sort.Strings(want)
	assert.Equal(t, want, names)

	// Rewinding replays the stream from the start.
	require.NoError(t, SeekDir(fd, 0))
	again := readAllNames(t, fd)
	assert.Len(t, again, len(want))
}

func TestReadDirentsTypesAndOffsets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))

	fd, err := OpenAt(unix.AT_FDCWD, dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	buf := make([]byte, 4096)
	entries, err := ReadDirents(fd, buf)
	require.NoError(t, err)

	types := map[string]uint8{}
	for _, de := range entries {
		types[de.Name] = de.Type
		assert.NotZero(t, de.Ino)
	}
	assert.Equal(t, uint8(unix.DT_REG), types["f"])
	assert.Equal(t, uint8(unix.DT_DIR), types["d"])

	// Seeking to the offset of an entry resumes after it.
	require.NoError(t, SeekDir(fd, entries[0].Off))
	rest, err := ReadDirents(fd, buf)
	require.NoError(t, err)
	assert.Len(t, rest, len(entries)-1)
}

func TestProbeOsFacts(t *testing.T) {
	// Whatever the kernel, the probe must not panic and must be stable.
	first := ProbeOsFacts()
	second := ProbeOsFacts()
	assert.Equal(t, first, second)
}

func TestReopenThroughProc(t *testing.T) {
	procSelfFd, err := PinProcSelfFd()
	require.NoError(t, err)
	defer procSelfFd.Close()

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	fd, err := OpenAt(unix.AT_FDCWD, path, unix.O_PATH|unix.O_NOFOLLOW, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	// An O_PATH fd cannot read; its reopened duplicate can.
	f, err := ReopenThroughProc(procSelfFd, fd, unix.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "content", string(buf[:n]))

	// And the path read back through /proc points at the original file.
	got, err := PathByFd(procSelfFd, fd)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
