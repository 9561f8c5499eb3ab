// Copyright 2019 Lanikai Labs. All rights reserved.

package main

import (
	flag "github.com/spf13/pflag"
)

var (
	flagOffer      bool
	flagPort       int
	flagStunServer string
	flagConfig     string
	flagLogLevel   string
	flagHelp       bool
)

func init() {
	flag.BoolVarP(&flagOffer, "offer", "o", false, "Act as the offering side (default: answering side)")
	flag.IntVarP(&flagPort, "port", "p", 0, "Local UDP port to bind (0 for ephemeral)")
	flag.StringVarP(&flagStunServer, "stun", "s", "", "STUN server address, host:port (default: stun.l.google.com:19302)")
	flag.StringVarP(&flagConfig, "config", "c", "", "Path to a JSON config file, overlaid onto the defaults")
	flag.StringVarP(&flagLogLevel, "log-level", "l", "", "Log level: error, warn, info, debug, or trace")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}
