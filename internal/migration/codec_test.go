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

package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleState() *State {
	return &State{V1: &StateV1{
		Inodes: []Inode{
			{
				ID:       1,
				Refcount: 5,
				Location: Location{Kind: LocationRoot},
				FileHandle: &FileHandle{
					MountID:    29,
					HandleType: 1,
					Handle:     []byte{0xde, 0xad, 0xbe, 0xef},
				},
			},
			{
				ID:       2,
				Refcount: 1,
				Location: Location{Kind: LocationPath, Parent: 1, Filename: "some file.txt"},
			},
			{
				ID:       3,
				Refcount: 2,
				Location: Location{Kind: LocationFullPath, Filename: "dir/nested"},
			},
			{
				ID:       4,
				Refcount: 1,
				Location: Location{Kind: LocationInvalid},
			},
		},
		NextInode: 17,
		Handles: []Handle{
			{ID: 0, Inode: 2, OpenFlags: 2},
			{ID: 3, Inode: 3, OpenFlags: 0},
		},
		NextHandle: 4,
		Negotiated: NegotiatedOpts{
			Writeback:         true,
			SupGroupExtension: true,
		},
	}}
}

func TestCodecRoundTrip(t *testing.T) {
	in := sampleState()

	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, out.V1)

	assert.Equal(t, in.V1.NextInode, out.V1.NextInode)
	assert.Equal(t, in.V1.NextHandle, out.V1.NextHandle)
	assert.Equal(t, in.V1.Negotiated, out.V1.Negotiated)
	assert.Equal(t, in.V1.Inodes, out.V1.Inodes)
	assert.Equal(t, in.V1.Handles, out.V1.Handles)
}

func TestCodecEmptyState(t *testing.T) {
	data, err := Marshal(&State{V1: &StateV1{NextInode: 2, NextHandle: 0}})
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Empty(t, out.V1.Inodes)
	assert.Empty(t, out.V1.Handles)
	assert.Equal(t, uint64(2), out.V1.NextInode)
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	data, err := Marshal(sampleState())
	require.NoError(t, err)

	// A newer instance may append fields we do not know. They must be
	// skipped, not fail the decode.
	data = protowire.AppendTag(data, 1000, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future data"))
	data = protowire.AppendTag(data, 1001, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Len(t, out.V1.Inodes, 4)
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// A structurally valid stream without any known version is also
	// rejected.
	var data []byte
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	_, err = Unmarshal(data)
	assert.Error(t, err)
}

func TestCodecUnknownLocationKind(t *testing.T) {
	var loc []byte
	loc = protowire.AppendTag(loc, fieldLocationKind, protowire.VarintType)
	loc = protowire.AppendVarint(loc, 7)

	var in []byte
	in = protowire.AppendTag(in, fieldInodeID, protowire.VarintType)
	in = protowire.AppendVarint(in, 5)
	in = protowire.AppendTag(in, fieldInodeLocation, protowire.BytesType)
	in = protowire.AppendBytes(in, loc)

	var v1 []byte
	v1 = protowire.AppendTag(v1, fieldV1Inodes, protowire.BytesType)
	v1 = protowire.AppendBytes(v1, in)

	var data []byte
	data = protowire.AppendTag(data, fieldStateV1, protowire.BytesType)
	data = protowire.AppendBytes(data, v1)

	_, err := Unmarshal(data)
	assert.Error(t, err)
}
