// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Package config holds the flat startup configuration the master is given on the command line
and carries unchanged across every upgrade.

Like the benchmark tool's own Config, these values are set once in main and only read after
that: there is no reason to protect them with a mutex.
*/

package config

import (
	"fmt"
	"math"
)

// Config is everything the master needs to know before it can start accepting connections.
// It is embedded verbatim inside UpgradeData so a successor master starts with exactly the
// configuration its predecessor was given on the command line, not whatever the new binary's
// own defaults would be.
type Config struct {
	// ControlSocketPath is the UNIX domain socket operators connect to with control commands.
	ControlSocketPath string

	// ChannelBufferSize bounds both the initial allocation and the maximum size of each worker
	// Channel's send/receive buffers; the upgrade handoff channel may grow to twice this size.
	// Client connections on the control socket use their own fixed buffer sizes.
	ChannelBufferSize int

	// WorkerTimeoutSeconds is how long a worker may go without sending any reply before the
	// command server moves it to NotAnswering and sends it a liveness probe.
	WorkerTimeoutSeconds int

	// UpgradeReadyTimeoutSeconds bounds how long the orchestrator waits for a forked successor
	// to send its readiness acknowledgement before treating the upgrade as failed.
	UpgradeReadyTimeoutSeconds int

	// StatePath is where a freshly started master loads a saved ConfigState from, if the file
	// exists. `state save`/`state load` take their path from the request instead.
	StatePath string

	// LogSpec is the directive grammar string ("[module=]level(,...)[/filter-ignored]")
	// passed to logger.Init at startup and re-applied verbatim by a successor.
	LogSpec string

	// LogTarget selects the logger.Backend: "stdout" (default), or "unix:<path>",
	// "udp:<addr>", "tcp:<addr>".
	LogTarget string

	// Verbose raises the default LogSpec to "debug" the way -v does for the benchmark tool,
	// when no explicit --log is given.
	Verbose bool
}

// Validate performs the checks DocOpt's own type bindings cannot express, mirroring
// validateArguments from the benchmark tool's CLI.
func (c *Config) Validate() error {
	if c.ControlSocketPath == "" {
		return fmt.Errorf("config: --control-socket must not be empty")
	}

	if c.ChannelBufferSize <= 0 || c.ChannelBufferSize > math.MaxInt32 {
		return fmt.Errorf("config: --channel-buffer-size out of range: %v", c.ChannelBufferSize)
	}

	if c.WorkerTimeoutSeconds <= 0 {
		return fmt.Errorf("config: --worker-timeout must be positive: %v", c.WorkerTimeoutSeconds)
	}

	if c.UpgradeReadyTimeoutSeconds <= 0 {
		return fmt.Errorf("config: --upgrade-timeout must be positive: %v", c.UpgradeReadyTimeoutSeconds)
	}

	if c.StatePath == "" {
		return fmt.Errorf("config: --state-path must not be empty")
	}

	return nil
}

// EffectiveLogSpec returns LogSpec, falling back to a verbose or error-only default the way the
// benchmark tool's -v flag does when no explicit spec was given.
func (c *Config) EffectiveLogSpec() string {
	if c.LogSpec != "" {
		return c.LogSpec
	}
	if c.Verbose {
		return "debug"
	}
	return "error"
}
