package config

import "time"

// Snapshot is one immutable, validated generation of the configuration.
type Snapshot struct {
	Generation int64     `json:"generation"`
	LoadedAt   time.Time `json:"loadedAt"`
	Path       string    `json:"path"`
	Config     *Config   `json:"-"`
}
