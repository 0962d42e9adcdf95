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

package cfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/container-native-fs/interposer/internal/util"
)

// Octal is the datatype for params such as umask which accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text) /*base=*/, 8 /*bitSize=*/, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank.
// Returns -1 if the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// ResolvedPath represents a file path which is resolved to an absolute path
// as soon as it is parsed from a flag or config file.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}

// FileHandlesMode selects how inodes are referenced between operations: by a
// kept-open O_PATH descriptor ("never"), by a kernel file handle whenever the
// filesystem supports one ("prefer"), or by a file handle always
// ("mandatory").
type FileHandlesMode string

const (
	FileHandlesNever     FileHandlesMode = "never"
	FileHandlesPrefer    FileHandlesMode = "prefer"
	FileHandlesMandatory FileHandlesMode = "mandatory"
)

func (m *FileHandlesMode) UnmarshalText(text []byte) error {
	mode := FileHandlesMode(strings.ToLower(string(text)))
	switch mode {
	case FileHandlesNever, FileHandlesPrefer, FileHandlesMandatory:
		*m = mode
		return nil
	}
	return fmt.Errorf("invalid inode-file-handles mode: %s. Must be one of [never, prefer, mandatory]", text)
}

// MigrationOnError defines what happens when restoring migrated state on the
// destination fails for an individual inode or handle.
type MigrationOnError string

const (
	// MigrationAbort fails the whole incoming migration.
	MigrationAbort MigrationOnError = "abort"

	// MigrationGuestError accepts the migration, storing the error in the
	// affected inode or handle; the guest sees it on the next operation.
	MigrationGuestError MigrationOnError = "guest-error"
)

func (m *MigrationOnError) UnmarshalText(text []byte) error {
	mode := MigrationOnError(strings.ToLower(string(text)))
	switch mode {
	case MigrationAbort, MigrationGuestError:
		*m = mode
		return nil
	}
	return fmt.Errorf("invalid migration-on-error policy: %s. Must be one of [abort, guest-error]", text)
}

// MigrationMode defines how inode locations are represented in the migration
// stream. Only find-paths is currently defined: a walk of the shared
// directory reconstructs a (parent, filename) pair for every live inode.
type MigrationMode string

const (
	MigrationFindPaths MigrationMode = "find-paths"
)

func (m *MigrationMode) UnmarshalText(text []byte) error {
	mode := MigrationMode(strings.ToLower(string(text)))
	if mode != MigrationFindPaths {
		return fmt.Errorf("invalid migration-mode: %s. Must be find-paths", text)
	}
	*m = mode
	return nil
}
