package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kkyr/fig"
)

const (
	EnvPrefix   = "GAMELINK"
	DefaultFile = "gamelink.yaml"
)

// Load reads the configuration. With an empty path gamelink.yaml is looked
// up in . and configs, and a missing file falls back to defaults. An
// explicit path must exist. GAMELINK_ variables override file values.
func Load(path string) (Config, error) {
	var c Config

	opts := []fig.Option{fig.File(DefaultFile), fig.Dirs(".", "configs"), fig.UseEnv(EnvPrefix)}
	if path != "" {
		opts = []fig.Option{fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path)), fig.UseEnv(EnvPrefix)}
	}

	err := fig.Load(&c, opts...)
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		c = Config{}
		err = fig.Load(&c, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if len(c.Peer.ICEServers) == 0 {
		c.Peer.ICEServers = append([]string(nil), DefaultICEServers...)
	}
	return c, nil
}
