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

package creds

import (
	"golang.org/x/sys/unix"
)

// ClearUmask zeroes the process umask once at startup so that guest-supplied
// mode bits pass through unmodified. The guest's own umask has already been
// applied by its kernel, except when POSIX ACLs are negotiated.
func ClearUmask() {
	unix.Umask(0)
}

// UmaskScope temporarily installs the guest-supplied umask. Only used while
// POSIX ACLs are negotiated, where the guest kernel leaves masking to us.
// The umask is process-wide; concurrent creating operations in other
// requests apply their own guest umask the same way, so the value in effect
// is always some request's intended one.
type UmaskScope struct {
	old  int
	done bool
}

func NewUmaskScope(umask int) *UmaskScope {
	return &UmaskScope{old: unix.Umask(umask)}
}

func (s *UmaskScope) Restore() {
	if s == nil || s.done {
		return
	}
	s.done = true
	unix.Umask(s.old)
}
