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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Stable; append-only.
const (
	// State
	fieldStateV1 = 1

	// StateV1
	fieldV1Inodes     = 1
	fieldV1NextInode  = 2
	fieldV1Handles    = 3
	fieldV1NextHandle = 4
	fieldV1Negotiated = 5

	// NegotiatedOpts
	fieldOptsWriteback         = 1
	fieldOptsAnnounceSubmounts = 2
	fieldOptsPosixAcl          = 3
	fieldOptsSupGroupExtension = 4

	// Inode
	fieldInodeID         = 1
	fieldInodeRefcount   = 2
	fieldInodeLocation   = 3
	fieldInodeFileHandle = 4

	// Location
	fieldLocationKind     = 1
	fieldLocationParent   = 2
	fieldLocationFilename = 3

	// FileHandle
	fieldHandleMountID = 1
	fieldHandleType    = 2
	fieldHandleBytes   = 3

	// Handle
	fieldOpenID    = 1
	fieldOpenInode = 2
	fieldOpenFlags = 3
)

// Marshal encodes the state into its byte-stream form.
func Marshal(s *State) ([]byte, error) {
	if s.V1 == nil {
		return nil, fmt.Errorf("no state version set")
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldStateV1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalV1(s.V1))
	return buf, nil
}

func marshalV1(v1 *StateV1) []byte {
	var buf []byte
	for i := range v1.Inodes {
		buf = protowire.AppendTag(buf, fieldV1Inodes, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalInode(&v1.Inodes[i]))
	}
	buf = protowire.AppendTag(buf, fieldV1NextInode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, v1.NextInode)
	for i := range v1.Handles {
		buf = protowire.AppendTag(buf, fieldV1Handles, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalHandle(&v1.Handles[i]))
	}
	buf = protowire.AppendTag(buf, fieldV1NextHandle, protowire.VarintType)
	buf = protowire.AppendVarint(buf, v1.NextHandle)
	buf = protowire.AppendTag(buf, fieldV1Negotiated, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalOpts(&v1.Negotiated))
	return buf
}

func appendBool(buf []byte, field protowire.Number, v bool) []byte {
	buf = protowire.AppendTag(buf, field, protowire.VarintType)
	var n uint64
	if v {
		n = 1
	}
	return protowire.AppendVarint(buf, n)
}

func marshalOpts(o *NegotiatedOpts) []byte {
	var buf []byte
	buf = appendBool(buf, fieldOptsWriteback, o.Writeback)
	buf = appendBool(buf, fieldOptsAnnounceSubmounts, o.AnnounceSubmounts)
	buf = appendBool(buf, fieldOptsPosixAcl, o.PosixAcl)
	buf = appendBool(buf, fieldOptsSupGroupExtension, o.SupGroupExtension)
	return buf
}

func marshalInode(in *Inode) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldInodeID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, in.ID)
	buf = protowire.AppendTag(buf, fieldInodeRefcount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, in.Refcount)
	buf = protowire.AppendTag(buf, fieldInodeLocation, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalLocation(&in.Location))
	if in.FileHandle != nil {
		buf = protowire.AppendTag(buf, fieldInodeFileHandle, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalFileHandle(in.FileHandle))
	}
	return buf
}

func marshalLocation(l *Location) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldLocationKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(l.Kind))
	buf = protowire.AppendTag(buf, fieldLocationParent, protowire.VarintType)
	buf = protowire.AppendVarint(buf, l.Parent)
	buf = protowire.AppendTag(buf, fieldLocationFilename, protowire.BytesType)
	buf = protowire.AppendString(buf, l.Filename)
	return buf
}

func marshalFileHandle(h *FileHandle) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldHandleMountID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, h.MountID)
	buf = protowire.AppendTag(buf, fieldHandleType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(uint32(h.HandleType)))
	buf = protowire.AppendTag(buf, fieldHandleBytes, protowire.BytesType)
	buf = protowire.AppendBytes(buf, h.Handle)
	return buf
}

func marshalHandle(h *Handle) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldOpenID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, h.ID)
	buf = protowire.AppendTag(buf, fieldOpenInode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, h.Inode)
	buf = protowire.AppendTag(buf, fieldOpenFlags, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(uint32(h.OpenFlags)))
	return buf
}

// Unmarshal decodes a byte stream produced by Marshal (possibly by a newer
// instance: unknown fields are skipped).
func Unmarshal(data []byte) (*State, error) {
	s := &State{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == fieldStateV1 && typ == protowire.BytesType {
			v1, err := unmarshalV1(value)
			if err != nil {
				return err
			}
			s.V1 = v1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.V1 == nil {
		return nil, fmt.Errorf("stream carries no known state version")
	}
	return s, nil
}

// eachField walks one message, handing every field to f. Bytes fields get
// their payload as value; varint fields get the raw varint appended into
// value for the callback to decode.
func eachField(data []byte, f func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := f(num, typ, data[:n]); err != nil {
				return err
			}
			data = data[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := f(num, typ, v); err != nil {
				return err
			}
			data = data[n:]

		default:
			// Unknown wire type for this schema: skip for forward
			// compatibility.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func varint(value []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func unmarshalV1(data []byte) (*StateV1, error) {
	v1 := &StateV1{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case fieldV1Inodes:
			in, err := unmarshalInode(value)
			if err != nil {
				return err
			}
			v1.Inodes = append(v1.Inodes, *in)
		case fieldV1NextInode:
			v, err := varint(value)
			if err != nil {
				return err
			}
			v1.NextInode = v
		case fieldV1Handles:
			h, err := unmarshalHandle(value)
			if err != nil {
				return err
			}
			v1.Handles = append(v1.Handles, *h)
		case fieldV1NextHandle:
			v, err := varint(value)
			if err != nil {
				return err
			}
			v1.NextHandle = v
		case fieldV1Negotiated:
			opts, err := unmarshalOpts(value)
			if err != nil {
				return err
			}
			v1.Negotiated = *opts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v1, nil
}

func unmarshalOpts(data []byte) (*NegotiatedOpts, error) {
	opts := &NegotiatedOpts{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		v, err := varint(value)
		if err != nil {
			return err
		}
		switch num {
		case fieldOptsWriteback:
			opts.Writeback = v != 0
		case fieldOptsAnnounceSubmounts:
			opts.AnnounceSubmounts = v != 0
		case fieldOptsPosixAcl:
			opts.PosixAcl = v != 0
		case fieldOptsSupGroupExtension:
			opts.SupGroupExtension = v != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opts, nil
}

func unmarshalInode(data []byte) (*Inode, error) {
	in := &Inode{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case fieldInodeID:
			v, err := varint(value)
			if err != nil {
				return err
			}
			in.ID = v
		case fieldInodeRefcount:
			v, err := varint(value)
			if err != nil {
				return err
			}
			in.Refcount = v
		case fieldInodeLocation:
			l, err := unmarshalLocation(value)
			if err != nil {
				return err
			}
			in.Location = *l
		case fieldInodeFileHandle:
			h, err := unmarshalFileHandle(value)
			if err != nil {
				return err
			}
			in.FileHandle = h
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func unmarshalLocation(data []byte) (*Location, error) {
	l := &Location{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case fieldLocationKind:
			v, err := varint(value)
			if err != nil {
				return err
			}
			if v > uint64(LocationInvalid) {
				return fmt.Errorf("unknown inode location kind %d", v)
			}
			l.Kind = LocationKind(v)
		case fieldLocationParent:
			v, err := varint(value)
			if err != nil {
				return err
			}
			l.Parent = v
		case fieldLocationFilename:
			l.Filename = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func unmarshalFileHandle(data []byte) (*FileHandle, error) {
	h := &FileHandle{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case fieldHandleMountID:
			v, err := varint(value)
			if err != nil {
				return err
			}
			h.MountID = v
		case fieldHandleType:
			v, err := varint(value)
			if err != nil {
				return err
			}
			h.HandleType = int32(uint32(v))
		case fieldHandleBytes:
			h.Handle = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func unmarshalHandle(data []byte) (*Handle, error) {
	h := &Handle{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		v, err := varint(value)
		if err != nil {
			return err
		}
		switch num {
		case fieldOpenID:
			h.ID = v
		case fieldOpenInode:
			h.Inode = v
		case fieldOpenFlags:
			h.OpenFlags = int32(uint32(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}
