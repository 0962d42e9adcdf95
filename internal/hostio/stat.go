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
	"golang.org/x/sys/unix"
)

// Stat bundles the statx result with the mount ID of the file, which is what
// distinguishes two filesystems that happen to reuse device numbers.
type Stat struct {
	Statx unix.Statx_t

	// Zero when the kernel did not report a mount ID.
	MntID uint64
}

// Statx stats name relative to dirFd, or dirFd itself when name is empty.
// Symlinks are never followed.
func Statx(dirFd int, name string) (Stat, error) {
	flags := unix.AT_SYMLINK_NOFOLLOW
	if name == "" {
		flags |= unix.AT_EMPTY_PATH
	}

	var st Stat
	err := unix.Statx(dirFd, name, flags, unix.STATX_BASIC_STATS|unix.STATX_MNT_ID, &st.Statx)
	if err != nil {
		return Stat{}, err
	}
	if st.Statx.Mask&unix.STATX_MNT_ID != 0 {
		st.MntID = st.Statx.Mnt_id
	}
	return st, nil
}

// Dev reconstructs the device number from the statx major/minor pair.
func (s *Stat) Dev() uint64 {
	return unix.Mkdev(s.Statx.Dev_major, s.Statx.Dev_minor)
}

// Rdev reconstructs the represented device number for device nodes.
func (s *Stat) Rdev() uint64 {
	return unix.Mkdev(s.Statx.Rdev_major, s.Statx.Rdev_minor)
}
