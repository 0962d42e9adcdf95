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

package util

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strings"
)

// GetResolvedPath expands "~" to the invoking user's home directory and makes
// the given path absolute. Flag and config-file values go through this before
// any of them is opened, so that a later working-directory change (e.g. by the
// sandbox) does not reinterpret them.
func GetResolvedPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		usr, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("looking up current user: %w", err)
		}
		path = filepath.Join(usr.HomeDir, strings.TrimPrefix(path, "~"))
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalizing path %q: %w", path, err)
	}

	return resolved, nil
}
