// Copyright 2019 Lanikai Labs. All rights reserved.

package alohartc

import (
	"github.com/lanikai/p2pcall/internal/config"
)

// Config is the set of knobs a PeerConnection needs before it can be
// established: local port, STUN/TURN servers, timeouts, and jitter buffer
// tuning. It is an alias of internal/config.Config so callers embedding
// this package never need to import internal/.
type Config = config.Config

// TurnServer is one configured TURN relay, with optional long-term
// credentials.
type TurnServer = config.TurnServer

// DefaultConfig returns Google's public STUN server and the timeout values
// from the package's concurrency model.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a JSON file at filePath and overlays it onto
// DefaultConfig().
func LoadConfig(filePath string) (*Config, error) {
	return config.LoadConfig(filePath)
}
