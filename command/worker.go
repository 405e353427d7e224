// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package command

import (
	"os"
	"time"

	"github.com/sigilproxy/master/channel"
)

// RunState is a worker's position in its lifecycle, the same role foremanState plays for the
// benchmark tool's own per-connection state machine.
//
// A Worker's channel is open while RunState is Running, Stopping or NotAnswering. Reaching
// Stopped through a stop acknowledgement does not close it: the channel is closed only when the
// worker is reaped or the process hands its workers to a successor.
type RunState int

const (
	// RunBadTransition is the zero value: any transition not present in validWorkerTransitions
	// maps here, so an illegal transition is a data lookup, not a chain of if-statements.
	RunBadTransition RunState = iota
	RunRunning
	RunStopping
	RunStopped
	RunNotAnswering
)

func (s RunState) String() string {
	switch s {
	case RunRunning:
		return "Running"
	case RunStopping:
		return "Stopping"
	case RunStopped:
		return "Stopped"
	case RunNotAnswering:
		return "NotAnswering"
	default:
		return "BadTransition"
	}
}

// WorkerEvent is something that can move a worker from one RunState to another.
type WorkerEvent int

const (
	EventSoftStopRequested WorkerEvent = iota
	EventHardStopRequested
	EventStopAcked
	EventTimeout
	EventProbeFailed
	EventProbeAnswered
	EventReaped
)

// validWorkerTransitions mirrors validTcpTransitions/validWorkerTransitions in the benchmark
// tool's Foreman: event -> (current state -> next state). An event with no entry for the
// current state yields the zero value, RunBadTransition, rather than panicking or silently
// no-opping.
var validWorkerTransitions = map[WorkerEvent]map[RunState]RunState{
	EventSoftStopRequested: {RunRunning: RunStopping},
	EventHardStopRequested: {RunRunning: RunStopping, RunStopping: RunStopping},
	EventStopAcked:         {RunStopping: RunStopped},
	EventTimeout:           {RunRunning: RunNotAnswering, RunStopping: RunNotAnswering},
	EventProbeAnswered:     {RunNotAnswering: RunRunning},
	EventProbeFailed:       {RunNotAnswering: RunNotAnswering},
	EventReaped:            {RunNotAnswering: RunStopped, RunStopping: RunStopped},
}

// Worker is everything the command server tracks about one worker process: its identity, its
// channel, its lifecycle state, and the FIFO of orders its channel has not yet taken.
//
// INVARIANT: ID is never reused for the lifetime of the server, even after a Worker is reaped.
// INVARIANT: Queue is a FIFO — orders are handed to the channel in the order they were enqueued.
type Worker struct {
	ID    uint32
	PID   int
	Token string

	RunState RunState

	channel *channel.Channel[OrderMessage, OrderAnswer]

	// Queue holds orders accepted for this worker that its channel has not yet taken, because
	// the channel reported ErrChannelFull. An order leaves Queue as soon as the channel accepts
	// it; the worker's acknowledgements do not touch Queue.
	Queue []*OrderMessage

	// lastActivity is when this worker last sent any reply, used to decide whether it has
	// gone past WorkerTimeoutSeconds without answering.
	lastActivity time.Time
}

// NewWorker wraps an already-connected worker channel.
func NewWorker(id uint32, pid int, token string, ch *channel.Channel[OrderMessage, OrderAnswer], now time.Time) *Worker {
	return &Worker{
		ID:           id,
		PID:          pid,
		Token:        token,
		RunState:     RunRunning,
		channel:      ch,
		lastActivity: now,
	}
}

// Apply advances the worker's RunState according to ev, returning false (and leaving RunState
// unchanged) if ev is not valid from the current state.
func (w *Worker) Apply(ev WorkerEvent) bool {
	next, ok := validWorkerTransitions[ev][w.RunState]
	if !ok || next == RunBadTransition {
		return false
	}
	w.RunState = next
	return true
}

// Enqueue appends order to the worker's FIFO and attempts to flush it immediately.
func (w *Worker) Enqueue(order *OrderMessage) error {
	w.Queue = append(w.Queue, order)
	return w.Flush()
}

// Flush attempts to hand off as much of the queue as the channel will currently accept,
// stopping (without error) the first time the channel reports ErrChannelFull — the remainder
// stays queued for the next Flush call, which the server drives on every event loop tick.
func (w *Worker) Flush() error {
	for len(w.Queue) > 0 {
		err := w.channel.WriteMessage(w.Queue[0])
		if err == channel.ErrChannelFull {
			return nil
		}
		if err != nil {
			return &IoError{Err: err}
		}
		w.Queue = w.Queue[1:]
	}
	return nil
}

// ReadReply performs one non-blocking read attempt on the worker's channel.
func (w *Worker) ReadReply() (*OrderAnswer, bool, error) {
	return w.channel.ReadMessage()
}

// File returns a duplicated file handle onto the worker's channel, the numeric descriptor an
// upgrade snapshot records so a successor can inherit it across the exec.
func (w *Worker) File() (*os.File, error) {
	return w.channel.File()
}

// Close closes the worker's channel. It is called when the worker is reaped and, through
// Server.CloseAllWorkers, once a successor has taken over the descriptors.
func (w *Worker) Close() error {
	return w.channel.Close()
}

// MarkActivity records that the worker has just been heard from, resetting its timeout clock.
func (w *Worker) MarkActivity(now time.Time) {
	w.lastActivity = now
}

// TimedOut reports whether the worker has gone longer than timeout without any activity.
func (w *Worker) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.lastActivity) > timeout
}
