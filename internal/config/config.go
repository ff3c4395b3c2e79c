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

package config

import (
	"context"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "guildhall.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

const (
	DefaultBlobPlugin      = "badger"
	DefaultMetadataPlugin  = "sqlite"
	DefaultShutdownTimeout = "30s"
)

// GuildDefaults are the settings applied to guilds without persisted
// configuration. Durations are expressed as Go duration strings.
type GuildDefaults struct {
	ReclaimDelay    string `yaml:"reclaimDelay"    envconfig:"GUILDHALL_RECLAIM_DELAY"`
	ApplyInterval   string `yaml:"applyInterval"   envconfig:"GUILDHALL_APPLY_INTERVAL"`
	PunishThreshold string `yaml:"punishThreshold" envconfig:"GUILDHALL_PUNISH_THRESHOLD"`
	ReclaimForeign  bool   `yaml:"reclaimForeign"  envconfig:"GUILDHALL_RECLAIM_FOREIGN"`
}

type Config struct {
	MetadataPlugin   string        `yaml:"metadataPlugin"   envconfig:"GUILDHALL_DATABASE_METADATA_PLUGIN"`
	BlobPlugin       string        `yaml:"blobPlugin"       envconfig:"GUILDHALL_DATABASE_BLOB_PLUGIN"`
	DatabasePath     string        `yaml:"databasePath"                                                    split_words:"true"`
	BindAddr         string        `yaml:"bindAddr"                                                        split_words:"true"`
	ShutdownTimeout  string        `yaml:"shutdownTimeout"                                                 split_words:"true"`
	SweepInterval    string        `yaml:"sweepInterval"                                                   split_words:"true"`
	SnapshotInterval string        `yaml:"snapshotInterval"                                                split_words:"true"`
	Guild            GuildDefaults `yaml:"guild"`
	MetricsPort      uint          `yaml:"metricsPort"                                                     split_words:"true"`
}

var globalConfig = &Config{
	BindAddr:        "0.0.0.0",
	MetricsPort:     12798,
	MetadataPlugin:  DefaultMetadataPlugin,
	BlobPlugin:      DefaultBlobPlugin,
	ShutdownTimeout: DefaultShutdownTimeout,
}

// LoadConfig reads the optional YAML config file and applies environment
// variable overrides
func LoadConfig(configFile string) (*Config, error) {
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("guildhall", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return globalConfig, nil
}

// GetConfig returns the global config instance
func GetConfig() *Config {
	return globalConfig
}
