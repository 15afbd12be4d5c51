// Package procs builds command lines for the worker processes the daemon spawns.
package procs

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Env names shared by the daemon and its children.
const (
	EnvBusServers  = "LOQA_LIVE_BUS_SERVERS"
	EnvBusEmbedded = "LOQA_LIVE_BUS_EMBEDDED"
	EnvConfig      = "LOQA_LIVE_CONFIG"
)

// ExitNoMIDISource is the capture worker's exit status when no MIDI backend starts. The
// daemon does not restart a worker that exits with it.
const ExitNoMIDISource = 3

// Command returns argv for a worker. With an empty override it re-executes the running
// binary with the given subcommand; otherwise override is split like a shell would and
// used as-is.
func Command(override string, subcommand ...string) ([]string, error) {
	if strings.TrimSpace(override) != "" {
		parser := shellwords.NewParser()
		parser.ParseEnv = true
		args, err := parser.Parse(override)
		if err != nil {
			return nil, fmt.Errorf("parse command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("command is empty")
		}
		return args, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return append([]string{self}, subcommand...), nil
}

// ChildEnv is the environment for a worker that joins the daemon's bus instead of
// starting its own server.
func ChildEnv(busURL, configPath string) []string {
	env := os.Environ()
	if busURL != "" {
		env = append(env, EnvBusServers+"="+busURL, EnvBusEmbedded+"=false")
	}
	if configPath != "" {
		env = append(env, EnvConfig+"="+configPath)
	}
	return env
}
