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
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidTimeoutConfig(c *FileSystemConfig) error {
	if c.EntryTimeoutSecs < 0 {
		return fmt.Errorf("entry-timeout-secs can't be negative")
	}
	if c.AttrTimeoutSecs < 0 {
		return fmt.Errorf("attr-timeout-secs can't be negative")
	}
	return nil
}

func isValidMigrationConfig(c *MigrationConfig) error {
	if c.RestoreStateFd < -1 {
		return fmt.Errorf("restore-state-fd must be -1 (disabled) or a valid file descriptor")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidTimeoutConfig(&config.FileSystem); err != nil {
		return fmt.Errorf("error parsing file-system config: %w", err)
	}

	if err = isValidMigrationConfig(&config.Migration); err != nil {
		return fmt.Errorf("error parsing migration config: %w", err)
	}

	return nil
}
