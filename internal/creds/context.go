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

// Package creds carries per-request guest credentials and installs them
// around individual host syscalls.
package creds

import (
	"context"
)

// RequestCreds are the credentials of the guest process that issued the
// current request, as decoded from the request header and its extensions.
type RequestCreds struct {
	Uid uint32
	Gid uint32
	Pid uint32

	// The single supplementary group supplied by the guest kernel, if the
	// supplementary-group extension was negotiated.
	SupGid *uint32

	// The creating process's umask, supplied with creating operations.
	// Only applied while POSIX ACLs are negotiated; otherwise the guest
	// kernel has already masked the mode.
	Umask *uint32

	// Security context name and bytes supplied with the request, if any.
	// Creating operations do not apply them to new files.
	SecurityCtxName  string
	SecurityCtxValue []byte
}

type contextKey struct{}

// NewContext returns a context carrying the given request credentials. The
// request decoder installs these before dispatching an operation.
func NewContext(ctx context.Context, c RequestCreds) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext extracts request credentials installed by NewContext.
func FromContext(ctx context.Context) (RequestCreds, bool) {
	c, ok := ctx.Value(contextKey{}).(RequestCreds)
	return c, ok
}
