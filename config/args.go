// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package config

import (
	"fmt"

	"github.com/docopt/docopt-go"
)

// Arguments is the struct DocOpt binds the command line into, the same pattern the benchmark
// tool's own Arguments/usage() pair uses.
type Arguments struct {
	Upgrade bool

	ControlSocket      string
	ChannelBufferSize  int
	WorkerTimeout      int
	UpgradeTimeout     int
	StatePath          string
	Log                string
	LogTarget          string
	Verbose            bool
	Fd                 int
	UpgradeFd          int
}

// Usage is the DocOpt usage string for the master binary: a normal startup invocation, and the
// `upgrade` sub-command an orchestrator-forked successor execs itself with.
func Usage() string {
	return `sigil-master.

Usage:
  master [-v] [--control-socket PATH] [--channel-buffer-size N] [--worker-timeout SEC]
         [--upgrade-timeout SEC] [--state-path PATH] [--log SPEC] [--log-target TARGET]
  master upgrade --fd FD --upgrade-fd FD --channel-buffer-size N
         [--control-socket PATH] [--worker-timeout SEC] [--upgrade-timeout SEC]
         [--state-path PATH] [--log SPEC] [--log-target TARGET]
  master -h | --help

Options:
  -h, --help                        Show full usage.
  -v, --verbose                     Turn on debug logging when --log is not given.
  --control-socket PATH             Control socket path.                    [default: /run/sigil/control.sock]
  --channel-buffer-size N           Initial/max channel buffer size, bytes.  [default: 1048576]
  --worker-timeout SEC              Seconds before an unresponsive worker is probed.  [default: 10]
  --upgrade-timeout SEC             Seconds to wait for a successor's readiness ack.  [default: 10]
  --state-path PATH                 Saved ConfigState loaded at startup.    [default: /var/lib/sigil/state.json]
  --log SPEC                        Logging directive spec.
  --log-target TARGET               stdout, unix:<path>, udp:<addr> or tcp:<addr>.  [default: stdout]
  --fd FD                           Inherited handoff socket fd (upgrade only).
  --upgrade-fd FD                   Inherited snapshot fd (upgrade only).
`
}

// Parse parses os.Args (via docopt's default ParseDoc behaviour) into an Arguments and the
// derived Config, validating both along the way.
func Parse() (*Arguments, *Config, error) {
	opts, err := docopt.ParseDoc(Usage())
	if err != nil {
		return nil, nil, fmt.Errorf("config: error parsing arguments: %w", err)
	}

	var args Arguments
	if err := opts.Bind(&args); err != nil {
		return nil, nil, fmt.Errorf("config: error binding arguments: %w", err)
	}

	cfg := &Config{
		ControlSocketPath:          args.ControlSocket,
		ChannelBufferSize:          args.ChannelBufferSize,
		WorkerTimeoutSeconds:       args.WorkerTimeout,
		UpgradeReadyTimeoutSeconds: args.UpgradeTimeout,
		StatePath:                  args.StatePath,
		LogSpec:                    args.Log,
		LogTarget:                  args.LogTarget,
		Verbose:                    args.Verbose,
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &args, cfg, nil
}
