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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRequestCredsContextRoundTrip(t *testing.T) {
	sup := uint32(12)
	in := RequestCreds{Uid: 1000, Gid: 1000, Pid: 4321, SupGid: &sup}

	ctx := NewContext(context.Background(), in)
	out, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestSwitchToOwnCredsIsANoOp(t *testing.T) {
	// Switching to the identity we already have needs no privileges and
	// must restore cleanly.
	self := RequestCreds{Uid: uint32(unix.Geteuid()), Gid: uint32(unix.Getegid())}

	scope, err := Switch(self, false)
	require.NoError(t, err)
	assert.Equal(t, int(self.Uid), unix.Geteuid())
	require.NoError(t, scope.Restore())

	// Restore is idempotent.
	require.NoError(t, scope.Restore())
}

func TestUmaskScope(t *testing.T) {
	orig := unix.Umask(0o022)
	defer unix.Umask(orig)

	s := NewUmaskScope(0o077)
	inner := unix.Umask(0o077)
	assert.Equal(t, 0o077, inner)
	s.Restore()

	// Back to the pre-scope value.
	assert.Equal(t, 0o022, unix.Umask(0o022))

	s.Restore()
}
