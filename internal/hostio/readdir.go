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
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DirEntry is one decoded linux_dirent64 record.
type DirEntry struct {
	Ino  uint64
	Off  int64
	Type uint8
	Name string
}

// direntHeaderSize covers d_ino, d_off, d_reclen and d_type.
const direntHeaderSize = 8 + 8 + 2 + 1

// ReadDirents reads one batch of directory entries from fd at its current
// stream position, filling at most len(buf) raw bytes. Returns an empty
// slice at end of directory. The caller owns locking of the fd's stream
// position.
func ReadDirents(fd int, buf []byte) ([]DirEntry, error) {
	n, err := unix.Getdents(fd, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var entries []DirEntry
	rest := buf[:n]
	for len(rest) >= direntHeaderSize {
		dirent := (*unix.Dirent)(unsafe.Pointer(&rest[0]))
		reclen := int(dirent.Reclen)
		if reclen < direntHeaderSize || reclen > len(rest) {
			return nil, unix.EIO
		}

		nameBytes := rest[direntHeaderSize:reclen]
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}

		entries = append(entries, DirEntry{
			Ino:  dirent.Ino,
			Off:  dirent.Off,
			Type: dirent.Type,
			Name: string(nameBytes),
		})
		rest = rest[reclen:]
	}

	return entries, nil
}

// SeekDir positions the directory stream of fd at the given readdir offset,
// as previously reported in DirEntry.Off (0 rewinds to the start).
func SeekDir(fd int, offset int64) error {
	_, err := unix.Seek(fd, offset, 0 /* SEEK_SET */)
	return err
}
