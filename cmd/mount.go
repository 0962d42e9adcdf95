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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/container-native-fs/interposer/cfg"
	"github.com/container-native-fs/interposer/internal/creds"
	"github.com/container-native-fs/interposer/internal/fs"
	"github.com/container-native-fs/interposer/internal/logger"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func serverConfig(c *cfg.Config, sharedDir string) *fs.ServerConfig {
	return &fs.ServerConfig{
		SharedDir:              sharedDir,
		EntryTimeout:           time.Duration(c.FileSystem.EntryTimeoutSecs) * time.Second,
		AttrTimeout:            time.Duration(c.FileSystem.AttrTimeoutSecs) * time.Second,
		Writeback:              c.FileSystem.Writeback,
		AnnounceSubmounts:      c.FileSystem.AnnounceSubmounts,
		PosixAcl:               c.FileSystem.PosixAcl,
		EnableXattr:            c.FileSystem.EnableXattr,
		AllowDirectIo:          c.FileSystem.AllowDirectIo,
		PreserveNoatime:        c.FileSystem.PreserveNoatime,
		InodeFileHandles:       c.FileSystem.InodeFileHandles,
		MountinfoPrefix:        c.FileSystem.MountinfoPrefix,
		MigrationOnError:       c.Migration.OnError,
		MigrationVerifyHandles: c.Migration.VerifyHandles,
		MigrationConfirmPaths:  c.Migration.ConfirmPaths,
		MigrationMode:          c.Migration.Mode,
	}
}

func mountAndServe(c *cfg.Config, sharedDir, mountPoint string) error {
	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	if c.Debug.ExitOnInvariantViolation {
		syncutil.EnableInvariantChecking()
	}

	// The guest's own umask has already been applied by its kernel; ours
	// must not mask guest-supplied modes a second time.
	creds.ClearUmask()

	pfs, err := fs.New(serverConfig(c, sharedDir))
	if err != nil {
		return err
	}

	// Either restore migrated state from the given fd, or mount fresh.
	// The capable set reflects what this FUSE session can do: writeback
	// caching is supported; submount announcement and POSIX ACL extensions
	// are not offered by the session layer.
	if c.Migration.RestoreStateFd >= 0 {
		stateFile := os.NewFile(uintptr(c.Migration.RestoreStateFd), "migration-state")
		err = pfs.DeserializeAndApply(stateFile)
		_ = stateFile.Close()
		if err != nil {
			return fmt.Errorf("restoring migrated state: %w", err)
		}
		logger.Infof("Restored migrated state")
	} else {
		if _, err = pfs.Init(fs.CapWritebackCache | fs.CapSupplementaryGroups); err != nil {
			return err
		}
	}

	mountCfg := &fuse.MountConfig{
		FSName:                  "interposerfs",
		ErrorLogger:             logger.NewLegacyLogger(slog.LevelError, "fuse: "),
		DebugLogger:             logger.NewLegacyLogger(slog.LevelDebug, "fuse_debug: "),
		DisableWritebackCaching: !c.FileSystem.Writeback,
	}

	mfs, err := fuse.Mount(mountPoint, pfs.Server(), mountCfg)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountPoint, err)
	}
	logger.Infof("Serving %s at %s", sharedDir, mountPoint)

	group, ctx := errgroup.WithContext(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1, unix.SIGINT, unix.SIGTERM)

	group.Go(func() error {
		return mfs.Join(ctx)
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-sigCh:
				switch s {
				case unix.SIGUSR1:
					saveState(pfs, string(c.Migration.SaveStatePath))
				default:
					logger.Infof("Received %v, unmounting", s)
					if err := fuse.Unmount(mountPoint); err != nil {
						logger.Errorf("Unmounting: %v", err)
					}
					return nil
				}
			}
		}
	})

	return group.Wait()
}

// saveState runs the migration preparation walk and writes the serialized
// state, in response to SIGUSR1.
func saveState(pfs *fs.PassthroughFS, path string) {
	if path == "" {
		logger.Errorf("SIGUSR1 received but no --save-state-path configured")
		return
	}

	pfs.PrepareSerialization(context.Background())

	f, err := os.Create(path)
	if err != nil {
		logger.Errorf("Creating state file: %v", err)
		return
	}
	defer f.Close()

	if err := pfs.Serialize(f); err != nil {
		logger.Errorf("Serializing state: %v", err)
		return
	}
	logger.Infof("Wrote migration state to %s", path)
}
