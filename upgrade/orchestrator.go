// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Package upgrade is the Upgrade Orchestrator: it snapshots a running master's live state and
worker descriptors, forks and execs a successor binary, hands the descriptors off across that
exec, and waits for the successor to report readiness before the predecessor exits.

Parent side lives in Orchestrator.Upgrade, wired into a command.Server as its OnUpgrade hook.
Child side lives in Begin, RestoreWorkers and SignalReady, called from the "upgrade" sub-command
of cmd/master.
*/

package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sigilproxy/master/channel"
	"github.com/sigilproxy/master/command"
	"github.com/sigilproxy/master/config"
	"github.com/sigilproxy/master/logger"
)

var log = logger.Get("upgrade")

// fd numbers assigned to the handoff and snapshot descriptors in the successor: exec.Cmd.ExtraFiles
// lands entry i of its slice on fd 3+i in the child, and these two are always first.
const (
	handoffChildFd  = 3
	snapshotChildFd = 4
	firstWorkerFd   = 5
)

// Orchestrator drives one master's upgrade attempts. A fresh TransferSet is built for every
// attempt; nothing about a failed attempt is reused by the next one.
type Orchestrator struct {
	Config *config.Config
	Server *command.Server

	// ReadyTimeout bounds how long Upgrade waits for the successor's readiness message before
	// killing it and aborting. Defaults to Config.UpgradeReadyTimeoutSeconds.
	ReadyTimeout time.Duration
}

// Upgrade implements command.UpgradeFunc: it kicks off the fork/exec and readiness handshake on
// a background goroutine and reports the outcome through onDone, never blocking the caller (the
// command server's single-threaded event loop).
func (o *Orchestrator) Upgrade(onDone func(error)) {
	go func() {
		onDone(o.attempt())
	}()
}

func (o *Orchestrator) attempt() error {
	workers := o.Server.Workers()

	snapshotFile, err := o.writeSnapshot(workers)
	if err != nil {
		return &command.UpgradeFailedError{Stage: "snapshot", Err: err}
	}

	handoffParent, handoffChild, err := newHandoffPair()
	if err != nil {
		_ = snapshotFile.Close()
		return &command.UpgradeFailedError{Stage: "handoff socket pair", Err: err}
	}
	// Entry order is the successor's descriptor numbering: handoff, snapshot, then workers.
	transfer := TransferSet{{File: handoffChild, Role: RoleHandoff}, {File: snapshotFile, Role: RoleSnapshot}}
	defer transfer.Close()

	handoff, err := channel.FromFile[Ready, Ready](handoffParent, o.Config.ChannelBufferSize, o.Config.ChannelBufferSize*2)
	if err != nil {
		return &command.UpgradeFailedError{Stage: "handoff channel", Err: err}
	}
	defer func() { _ = handoff.Close() }()

	for _, w := range workers {
		f, err := w.File()
		if err != nil {
			return &command.UpgradeFailedError{Stage: "worker fd", Err: fmt.Errorf("worker %d: %w", w.ID, err)}
		}
		transfer = append(transfer, TransferEntry{File: f, Role: RoleWorker})
	}

	if err := transfer.DisableCloseOnExec(); err != nil {
		return &command.UpgradeFailedError{Stage: "fd transfer", Err: err}
	}

	selfPath, err := os.Executable()
	if err != nil {
		return &command.UpgradeFailedError{Stage: "self path", Err: err}
	}

	cmd := exec.Command(selfPath,
		"upgrade",
		"--fd", strconv.Itoa(handoffChildFd),
		"--upgrade-fd", strconv.Itoa(snapshotChildFd),
		"--channel-buffer-size", strconv.Itoa(o.Config.ChannelBufferSize),
		"--control-socket", o.Config.ControlSocketPath,
		"--worker-timeout", strconv.Itoa(o.Config.WorkerTimeoutSeconds),
		"--upgrade-timeout", strconv.Itoa(o.Config.UpgradeReadyTimeoutSeconds),
		"--state-path", o.Config.StatePath,
		"--log", o.Config.LogSpec,
		"--log-target", o.Config.LogTarget,
	)
	cmd.ExtraFiles = transfer.Files()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return &command.UpgradeFailedError{Stage: "exec", Err: err}
	}
	log.Infof("successor launched: pid=%d", cmd.Process.Pid)

	// The successor now holds its own duplicates of every transferred descriptor; this
	// process's copies don't need to survive an exec it isn't about to perform.
	if err := transfer.RestoreCloseOnExec(); err != nil {
		log.Warnf("could not restore close-on-exec after handoff: %v", err)
	}
	// With this process's copy of the child end closed, the successor exiting without a Ready
	// message shows up as EOF on the handoff channel.
	_ = handoffChild.Close()

	timeout := o.ReadyTimeout
	if timeout <= 0 {
		timeout = time.Duration(o.Config.UpgradeReadyTimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return waitForReady(ctx, cmd, handoff)
}

// waitForReady blocks until the successor's Ready message arrives, the handoff channel closes
// (exec or snapshot-parse failure in the child), or timeout expires (in which case the successor
// is killed).
func waitForReady(ctx context.Context, cmd *exec.Cmd, handoff *channel.Channel[Ready, Ready]) error {
	g, gctx := errgroup.WithContext(ctx)
	resultCh := make(chan error, 1)

	g.Go(func() error {
		handoff.SetBlocking(true)
		_, ok, err := handoff.ReadMessage()
		switch {
		case err != nil:
			resultCh <- fmt.Errorf("handoff channel failed: %w", err)
		case !ok:
			resultCh <- fmt.Errorf("handoff channel closed without a ready message")
		default:
			resultCh <- nil
		}
		return nil
	})

	select {
	case err := <-resultCh:
		return err
	case <-gctx.Done():
		_ = handoff.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = g.Wait()
		return fmt.Errorf("successor did not report ready within the configured timeout: %w", gctx.Err())
	}
}

func (o *Orchestrator) writeSnapshot(workers []*command.Worker) (*os.File, error) {
	serialized := make([]SerializedWorker, len(workers))
	for i, w := range workers {
		serialized[i] = SerializedWorker{
			Fd:       firstWorkerFd + i,
			PID:      w.PID,
			ID:       w.ID,
			RunState: w.RunState,
			Token:    w.Token,
			Queue:    w.Queue,
		}
	}

	data := UpgradeData{
		Config:     *o.Config,
		Workers:    serialized,
		State:      o.Server.State,
		NextID:     o.Server.NextWorkerID(),
		Generation: o.Server.Generation() + 1,
	}

	f, err := os.CreateTemp("", "sigil-upgrade-*")
	if err != nil {
		return nil, err
	}

	// Unlinking immediately means the snapshot never outlives the two processes holding it
	// open, the same lifetime an anonymous tempfile gives the original implementation.
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := json.NewEncoder(f).Encode(&data); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}

func newHandoffPair() (parent *os.File, child *os.File, err error) {
	return socketpair()
}

// Begin reconstructs the predecessor's handoff channel and reads back the snapshot it wrote,
// the successor's first two acts per the upgrade protocol. The caller (cmd/master's "upgrade"
// sub-entrypoint) still owns building the listener, re-initializing logging and restoring
// workers before calling SignalReady.
func Begin(fd int, upgradeFd int, channelBufferSize int) (*channel.Channel[Ready, Ready], *UpgradeData, error) {
	handoffFile := os.NewFile(uintptr(fd), "handoff")
	handoff, err := channel.FromFile[Ready, Ready](handoffFile, channelBufferSize, channelBufferSize*2)
	if err != nil {
		return nil, nil, fmt.Errorf("upgrade: reconstruct handoff channel: %w", err)
	}
	handoff.SetBlocking(true)

	upgradeFile := os.NewFile(uintptr(upgradeFd), "upgrade-data")
	defer func() { _ = upgradeFile.Close() }()

	var data UpgradeData
	if err := json.NewDecoder(upgradeFile).Decode(&data); err != nil {
		return nil, nil, fmt.Errorf("upgrade: parse snapshot: %w", err)
	}

	return handoff, &data, nil
}

// RestoreWorkers reconstructs each SerializedWorker's channel from its inherited descriptor and
// attaches it to server, preserving id, pid, token, run_state and queue exactly as recorded. A
// worker whose peer already closed before the handoff completed is restored as NotAnswering
// rather than trusting the snapshotted run_state (see command.Server.RestoreWorker).
func RestoreWorkers(server *command.Server, data *UpgradeData, bufSize int) {
	for _, sw := range data.Workers {
		f := os.NewFile(uintptr(sw.Fd), fmt.Sprintf("worker-%d", sw.ID))
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			log.Warnf("worker %d: could not reconstruct inherited channel: %v", sw.ID, err)
			continue
		}
		server.RestoreWorker(conn, sw.ID, sw.PID, sw.Token, sw.RunState, sw.Queue, bufSize)
	}
}

// SignalReady tells the predecessor this successor has finished restoring state and is about to
// enter its own run loop; the predecessor is blocked reading the other end and exits once it
// arrives.
func SignalReady(handoff *channel.Channel[Ready, Ready]) error {
	return handoff.WriteMessage(&Ready{OK: true})
}
