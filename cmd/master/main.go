// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Command master is the supervisory process of the proxy fleet: it owns the control socket,
the worker lifecycle state machine, and the zero-downtime binary upgrade protocol.

Invoked plain, it starts fresh: a new ConfigState (loaded from --state-path if present), a new
control socket listener, no workers until the fleet tells it otherwise. Invoked as `master
upgrade --fd FD --upgrade-fd FD ...`, it is a successor a running master's own orchestrator just
forked and exec'd: it reconstructs state and worker channels from what it inherited across the
exec rather than starting from nothing.
*/

package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigilproxy/master/command"
	"github.com/sigilproxy/master/config"
	"github.com/sigilproxy/master/logger"
	"github.com/sigilproxy/master/state"
	"github.com/sigilproxy/master/upgrade"
)

var log = logger.Get("main")

func main() {
	args, cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if args.Upgrade {
		os.Exit(runSuccessor(args, cfg))
	}
	os.Exit(runFresh(cfg))
}

// runFresh is the normal startup path: nothing to inherit, generation 0.
func runFresh(cfg *config.Config) int {
	backend, err := logger.BackendFromTarget(cfg.LogTarget)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	warnings := logger.Default().Init("MASTER", cfg.EffectiveLogSpec(), backend, 0)
	for _, w := range warnings {
		log.Warnf("%v", w)
	}

	st := state.New()
	if _, statErr := os.Stat(cfg.StatePath); statErr == nil {
		if err := st.Load(cfg.StatePath); err != nil {
			log.Errorf("could not load saved state from %v: %v", cfg.StatePath, err)
			return 1
		}
	}

	if err := os.Remove(cfg.ControlSocketPath); err != nil && !os.IsNotExist(err) {
		log.Errorf("could not clear stale control socket %v: %v", cfg.ControlSocketPath, err)
		return 1
	}
	listener, err := net.Listen("unix", cfg.ControlSocketPath)
	if err != nil {
		log.Errorf("could not listen on %v: %v", cfg.ControlSocketPath, err)
		return 1
	}

	server := newServer(cfg, listener, st, 0)
	log.Infof("listening on %v, generation 0", cfg.ControlSocketPath)
	return runServer(server)
}

// runSuccessor is the upgrade sub-command entrypoint: a predecessor's orchestrator forked and
// exec'd this process with the handoff and snapshot fds already open at args.Fd/args.UpgradeFd.
func runSuccessor(args *config.Arguments, cfg *config.Config) int {
	handoff, data, err := upgrade.Begin(args.Fd, args.UpgradeFd, cfg.ChannelBufferSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Apply the predecessor's configuration exactly as inherited, not whatever this binary's
	// own flag defaults would produce.
	cfg = &data.Config

	backend, err := logger.BackendFromTarget(cfg.LogTarget)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	warnings := logger.Default().Init("MASTER", cfg.EffectiveLogSpec(), backend, data.Generation)
	for _, w := range warnings {
		log.Warnf("%v", w)
	}

	// The predecessor's listening fd is still bound; removing the directory entry only
	// affects future connect() calls, not the fd itself, so the old process keeps serving
	// whatever connections it already has right up until it exits.
	if err := os.Remove(cfg.ControlSocketPath); err != nil && !os.IsNotExist(err) {
		log.Errorf("could not unlink control socket %v for rebind: %v", cfg.ControlSocketPath, err)
		return 1
	}
	listener, err := net.Listen("unix", cfg.ControlSocketPath)
	if err != nil {
		log.Errorf("could not rebind control socket %v: %v", cfg.ControlSocketPath, err)
		return 1
	}

	server := newServer(cfg, listener, data.State, data.Generation)
	server.SetNextWorkerID(data.NextID)
	upgrade.RestoreWorkers(server, data, cfg.ChannelBufferSize)

	if err := upgrade.SignalReady(handoff); err != nil {
		log.Errorf("could not signal readiness to predecessor: %v", err)
		return 1
	}
	_ = handoff.Close()

	log.Infof("restored %d worker(s), generation %d", len(data.Workers), data.Generation)
	return runServer(server)
}

func newServer(cfg *config.Config, listener net.Listener, st *state.ConfigState, generation int) *command.Server {
	registry := prometheus.NewRegistry()
	server := command.NewServer(listener, st, registry, generation)
	server.WorkerTimeout = secondsToDuration(cfg.WorkerTimeoutSeconds)
	server.OnUpgrade = (&upgrade.Orchestrator{Config: cfg, Server: server}).Upgrade
	return server
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func runServer(server *command.Server) int {
	if err := server.Run(); err != nil {
		log.Errorf("server exited: %v", err)
		return 1
	}
	return 0
}
