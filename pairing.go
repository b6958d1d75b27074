package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/agentrelay/server/config"
)

// printPairingInfo shows the connection URL, and a scannable QR code when
// stdout is a terminal. Skipped entirely for non-interactive runs so logs
// stay machine-readable.
func printPairingInfo(cfg config.Config) {
	url := pairingURL(cfg)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	fmt.Printf("\nConnect a client:\n  %s\n\n", url)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Println()
}

func pairingURL(cfg config.Config) string {
	host := "localhost"
	addr := cfg.ListenAddr
	if h, port, err := net.SplitHostPort(addr); err == nil {
		if h != "" && h != "0.0.0.0" && h != "::" {
			host = h
		}
		addr = net.JoinHostPort(host, port)
	} else {
		addr = host + ":" + strings.TrimPrefix(addr, ":")
	}
	return fmt.Sprintf("ws://%s/rpc?token=%s", addr, cfg.AuthToken)
}
