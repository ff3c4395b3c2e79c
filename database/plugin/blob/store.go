// Copyright 2025 Blink Labs Software
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

package blob

import (
	"fmt"
	"log/slog"

	badgerplugin "github.com/guildhall-io/guildhall/database/plugin/blob/badger"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrSnapshotNotFound is returned when a guild has no stored snapshot
var ErrSnapshotNotFound = badgerplugin.ErrSnapshotNotFound

// BlobStore holds opaque per-guild state snapshots
type BlobStore interface {
	Close() error
	PutSnapshot(uint64, []byte) error
	GetSnapshot(uint64) ([]byte, error)
	DeleteSnapshot(uint64) error
	SnapshotGuilds() ([]uint64, error)
}

// New returns the blob plugin selected by name. An empty name selects
// badger, which runs in-memory when dataDir is empty.
func New(
	pluginName, dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (BlobStore, error) {
	switch pluginName {
	case "", "badger":
		return badgerplugin.New(
			badgerplugin.WithDataDir(dataDir),
			badgerplugin.WithLogger(logger),
			badgerplugin.WithPromRegistry(promRegistry),
		)
	default:
		return nil, fmt.Errorf("unknown blob plugin: %s", pluginName)
	}
}
