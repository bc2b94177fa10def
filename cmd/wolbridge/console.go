package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	consoleDisableHeartbeats = "dh"
	consoleEnableHeartbeats  = "eh"
)

// heartbeatToggler is the part of the server the console drives.
type heartbeatToggler interface {
	SetHeartbeatsEnabled(enabled bool)
	HeartbeatsEnabled() bool
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// handleConsoleLine applies one console command and returns the reply to
// print, or "" for blank input.
func handleConsoleLine(line string, t heartbeatToggler) string {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return ""
	case consoleDisableHeartbeats:
		t.SetHeartbeatsEnabled(false)
		return "heartbeats disabled"
	case consoleEnableHeartbeats:
		t.SetHeartbeatsEnabled(true)
		return "heartbeats enabled"
	default:
		return fmt.Sprintf("unknown command %q (use %s or %s)", strings.TrimSpace(line),
			consoleDisableHeartbeats, consoleEnableHeartbeats)
	}
}

// runConsole reads commands from r until it is exhausted. The returned
// channel is closed at end of input.
func runConsole(r io.Reader, t heartbeatToggler, out io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if reply := handleConsoleLine(scanner.Text(), t); reply != "" {
				fmt.Fprintln(out, reply)
			}
		}
	}()
	return done
}
