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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Foreground bool `yaml:"foreground"`

	Logging LoggingConfig `yaml:"logging"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Migration MigrationConfig `yaml:"migration"`

	Debug DebugConfig `yaml:"debug"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	Severity LogSeverity `yaml:"severity"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type FileSystemConfig struct {
	EntryTimeoutSecs int64 `yaml:"entry-timeout-secs"`

	AttrTimeoutSecs int64 `yaml:"attr-timeout-secs"`

	Writeback bool `yaml:"writeback"`

	AnnounceSubmounts bool `yaml:"announce-submounts"`

	PosixAcl bool `yaml:"posix-acl"`

	EnableXattr bool `yaml:"enable-xattr"`

	AllowDirectIo bool `yaml:"allow-direct-io"`

	PreserveNoatime bool `yaml:"preserve-noatime"`

	InodeFileHandles FileHandlesMode `yaml:"inode-file-handles"`

	MountinfoPrefix string `yaml:"mountinfo-prefix"`
}

type MigrationConfig struct {
	OnError MigrationOnError `yaml:"on-error"`

	VerifyHandles bool `yaml:"verify-handles"`

	ConfirmPaths bool `yaml:"confirm-paths"`

	Mode MigrationMode `yaml:"mode"`

	RestoreStateFd int64 `yaml:"restore-state-fd"`

	SaveStatePath ResolvedPath `yaml:"save-state-path"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")

	err = viper.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	err = viper.BindPFlag("foreground", flagSet.Lookup("foreground"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs that can be parsed by fluentd. When not provided, logs are printed to stdout.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain after they have been rotated. A value of 0 indicates all backup files are retained.")

	err = viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Controls whether the rotated log files should be compressed using gzip.")

	err = viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes that a log file can reach before it is rotated.")

	err = viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.IntP("entry-timeout-secs", "", 5, "How long the kernel should consider directory entries to be valid, in seconds.")

	err = viper.BindPFlag("file-system.entry-timeout-secs", flagSet.Lookup("entry-timeout-secs"))
	if err != nil {
		return err
	}

	flagSet.IntP("attr-timeout-secs", "", 5, "How long the kernel should consider file attributes to be valid, in seconds.")

	err = viper.BindPFlag("file-system.attr-timeout-secs", flagSet.Lookup("attr-timeout-secs"))
	if err != nil {
		return err
	}

	flagSet.BoolP("writeback", "", false, "Enable writeback caching. Requires exclusive access to the shared directory.")

	err = viper.BindPFlag("file-system.writeback", flagSet.Lookup("writeback"))
	if err != nil {
		return err
	}

	flagSet.BoolP("announce-submounts", "", false, "Offer submount announcement during option negotiation; the negotiated setting is carried across migration, and no entry is flagged as a submount.")

	err = viper.BindPFlag("file-system.announce-submounts", flagSet.Lookup("announce-submounts"))
	if err != nil {
		return err
	}

	flagSet.BoolP("posix-acl", "", false, "Enable POSIX ACL support.")

	err = viper.BindPFlag("file-system.posix-acl", flagSet.Lookup("posix-acl"))
	if err != nil {
		return err
	}

	flagSet.BoolP("enable-xattr", "", false, "Enable extended attribute support.")

	err = viper.BindPFlag("file-system.enable-xattr", flagSet.Lookup("enable-xattr"))
	if err != nil {
		return err
	}

	flagSet.BoolP("allow-direct-io", "", false, "Honor O_DIRECT passed by the guest instead of filtering it out.")

	err = viper.BindPFlag("file-system.allow-direct-io", flagSet.Lookup("allow-direct-io"))
	if err != nil {
		return err
	}

	flagSet.BoolP("preserve-noatime", "", false, "Keep O_NOATIME set by the guest instead of filtering it out.")

	err = viper.BindPFlag("file-system.preserve-noatime", flagSet.Lookup("preserve-noatime"))
	if err != nil {
		return err
	}

	flagSet.StringP("inode-file-handles", "", "never", "How to reference inodes: one of [never, prefer, mandatory].")

	err = viper.BindPFlag("file-system.inode-file-handles", flagSet.Lookup("inode-file-handles"))
	if err != nil {
		return err
	}

	flagSet.StringP("mountinfo-prefix", "", "", "A prefix to strip from the mount points listed in /proc/self/mountinfo.")

	err = viper.BindPFlag("file-system.mountinfo-prefix", flagSet.Lookup("mountinfo-prefix"))
	if err != nil {
		return err
	}

	flagSet.StringP("migration-on-error", "", "abort", "What to do when an inode or handle cannot be restored on the destination: one of [abort, guest-error].")

	err = viper.BindPFlag("migration.on-error", flagSet.Lookup("migration-on-error"))
	if err != nil {
		return err
	}

	flagSet.BoolP("migration-verify-handles", "", false, "Embed a file handle for each inode in the migration stream so the destination can verify it opened the same inode.")

	err = viper.BindPFlag("migration.verify-handles", flagSet.Lookup("migration-verify-handles"))
	if err != nil {
		return err
	}

	flagSet.BoolP("migration-confirm-paths", "", false, "Re-check each inode against its recorded path at serialization time, falling back to a full path read from /proc/self/fd.")

	err = viper.BindPFlag("migration.confirm-paths", flagSet.Lookup("migration-confirm-paths"))
	if err != nil {
		return err
	}

	flagSet.StringP("migration-mode", "", "find-paths", "How inode locations are represented in the migration stream.")

	err = viper.BindPFlag("migration.mode", flagSet.Lookup("migration-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("restore-state-fd", "", -1, "File descriptor to read a migration state stream from before serving.")

	err = viper.BindPFlag("migration.restore-state-fd", flagSet.Lookup("restore-state-fd"))
	if err != nil {
		return err
	}

	flagSet.StringP("save-state-path", "", "", "Path to write the migration state stream to on SIGUSR1.")

	err = viper.BindPFlag("migration.save-state-path", flagSet.Lookup("save-state-path"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	return nil
}
