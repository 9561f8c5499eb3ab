// Copyright 2019 Lanikai Labs. All rights reserved.

// Command p2pcall is a minimal copy-paste signaling client for exercising a
// PeerConnection from a terminal: one side runs with -offer and prints an
// SDP offer to stdout, the other pastes it in on stdin and prints back an
// answer. Production signaling belongs to an external broker (spec Section
// 4.10); this tool exists only to drive a call without one.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/p2pcall"
	"github.com/lanikai/p2pcall/internal/logging"
)

var log = logging.DefaultLogger.WithTag("cmd")

func main() {
	flag.Parse()

	if flagHelp {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	role := alohartc.RoleAnswerer
	if flagOffer {
		role = alohartc.RoleOfferer
	}

	pc, err := alohartc.NewPeerConnection(*cfg, role)
	if err != nil {
		log.Fatal(err)
	}
	defer pc.Close()

	if err := negotiate(pc, role); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := pc.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	log.Info("connected, state=%s", pc.State())

	<-ctx.Done()
}

// loadConfig builds the session Config from -config (if given) overlaid
// with the -port/-stun/-log-level flags, matching the teacher's own
// flags-override-file precedence in cmd/alohartcd.
func loadConfig() (*alohartc.Config, error) {
	var cfg alohartc.Config
	if flagConfig != "" {
		loaded, err := alohartc.LoadConfig(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg = alohartc.DefaultConfig()
	}

	if flagPort != 0 {
		cfg.LocalPort = flagPort
	}
	if flagStunServer != "" {
		cfg.StunServers = []string{flagStunServer}
	}
	if flagLogLevel != "" {
		level, err := logging.ParseLevel(flagLogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.LogLevel = level
		logging.DefaultLogger.Level = level
	}
	return &cfg, nil
}

// negotiate performs one round of SDP exchange over stdin/stdout: the
// offerer prints its offer and reads back an answer; the answerer reads an
// offer and prints back its answer. Each SDP blob travels as one
// newline-terminated line, with its CRLF line breaks folded into '|' by
// encodeSDP, so it round-trips through a plain terminal copy-paste.
func negotiate(pc *alohartc.PeerConnection, role alohartc.Role) error {
	if role == alohartc.RoleOfferer {
		offer, err := pc.CreateOffer()
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		fmt.Println("--- paste this offer on the answering side ---")
		fmt.Println(encodeSDP(offer))
		fmt.Println("--- paste the answer below, then press enter ---")

		line, err := readLine()
		if err != nil {
			return err
		}
		answer, err := decodeSDP(line)
		if err != nil {
			return err
		}
		return pc.SetRemoteDescription(answer)
	}

	fmt.Println("--- paste the offer below, then press enter ---")
	line, err := readLine()
	if err != nil {
		return err
	}
	offer, err := decodeSDP(line)
	if err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	fmt.Println("--- paste this answer on the offering side ---")
	fmt.Println(encodeSDP(answer))
	return nil
}

func readLine() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return "", fmt.Errorf("read stdin: unexpected EOF")
	}
	return scanner.Text(), nil
}

// encodeSDP/decodeSDP fold an SDP blob's CRLF line breaks into a single
// terminal line and back, since SDP's own line breaks would otherwise
// fragment it across multiple readLine calls.
func encodeSDP(sdp string) string {
	return strings.ReplaceAll(sdp, "\r\n", "|")
}

func decodeSDP(line string) (string, error) {
	if line == "" {
		return "", fmt.Errorf("empty SDP")
	}
	return strings.ReplaceAll(line, "|", "\r\n"), nil
}
