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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalUnmarshal(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("755")))
	assert.Equal(t, Octal(0o755), o)

	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "755", string(text))

	assert.Error(t, o.UnmarshalText([]byte("9")))
}

func TestLogSeverityUnmarshal(t *testing.T) {
	tests := []struct {
		input   string
		want    LogSeverity
		wantErr bool
	}{
		{input: "trace", want: TraceLogSeverity},
		{input: "INFO", want: InfoLogSeverity},
		{input: "Warning", want: WarningLogSeverity},
		{input: "off", want: OffLogSeverity},
		{input: "verbose", wantErr: true},
	}
	for _, tc := range tests {
		var l LogSeverity
		err := l.UnmarshalText([]byte(tc.input))
		if tc.wantErr {
			assert.Error(t, err, "input: %q", tc.input)
			continue
		}
		require.NoError(t, err, "input: %q", tc.input)
		assert.Equal(t, tc.want, l)
	}

	assert.Less(t, TraceLogSeverity.Rank(), ErrorLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("BOGUS").Rank())
}

func TestFileHandlesModeUnmarshal(t *testing.T) {
	var m FileHandlesMode
	require.NoError(t, m.UnmarshalText([]byte("PREFER")))
	assert.Equal(t, FileHandlesPrefer, m)
	assert.Error(t, m.UnmarshalText([]byte("sometimes")))
}

func TestMigrationPolicyUnmarshal(t *testing.T) {
	var p MigrationOnError
	require.NoError(t, p.UnmarshalText([]byte("guest-error")))
	assert.Equal(t, MigrationGuestError, p)
	assert.Error(t, p.UnmarshalText([]byte("retry")))

	var m MigrationMode
	require.NoError(t, m.UnmarshalText([]byte("find-paths")))
	assert.Equal(t, MigrationFindPaths, m)
	assert.Error(t, m.UnmarshalText([]byte("full-paths")))
}

func TestValidateConfig(t *testing.T) {
	valid := &Config{
		Logging: LoggingConfig{
			LogRotate: LogRotateLoggingConfig{MaxFileSizeMb: 512, BackupFileCount: 10},
		},
		FileSystem: FileSystemConfig{EntryTimeoutSecs: 5, AttrTimeoutSecs: 5},
		Migration:  MigrationConfig{RestoreStateFd: -1},
	}
	assert.NoError(t, ValidateConfig(valid))

	bad := *valid
	bad.Logging.LogRotate.MaxFileSizeMb = 0
	assert.Error(t, ValidateConfig(&bad))

	bad = *valid
	bad.FileSystem.EntryTimeoutSecs = -1
	assert.Error(t, ValidateConfig(&bad))

	bad = *valid
	bad.Migration.RestoreStateFd = -2
	assert.Error(t, ValidateConfig(&bad))
}
