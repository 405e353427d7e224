// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package command

import (
	"net"
	"testing"
	"time"

	"github.com/sigilproxy/master/channel"
)

func newWorkerPipePair(t *testing.T) (*Worker, *channel.Channel[OrderAnswer, OrderMessage]) {
	t.Helper()

	// A loopback TCP connection rather than net.Pipe: the kernel buffers what the server side
	// writes, so a non-blocking write goes through without a reader already waiting on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	a, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	serverSide := channel.New[OrderMessage, OrderAnswer](a, 64, 1<<20)
	workerSide := channel.New[OrderAnswer, OrderMessage](b, 64, 1<<20)
	serverSide.SetWriteBlocking(false)

	w := NewWorker(1, 1234, "tok", serverSide, time.Unix(0, 0))

	t.Cleanup(func() {
		_ = serverSide.Close()
		_ = workerSide.Close()
	})

	return w, workerSide
}

func TestWorkerApplyValidAndInvalidTransitions(t *testing.T) {
	w, _ := newWorkerPipePair(t)

	if w.RunState != RunRunning {
		t.Fatalf("new worker state = %v, want Running", w.RunState)
	}

	if !w.Apply(EventSoftStopRequested) {
		t.Fatalf("SoftStopRequested from Running should succeed")
	}
	if w.RunState != RunStopping {
		t.Fatalf("state after SoftStopRequested = %v, want Stopping", w.RunState)
	}

	if w.Apply(EventSoftStopRequested) {
		t.Fatalf("SoftStopRequested from Stopping should be illegal")
	}
	if w.RunState != RunStopping {
		t.Fatalf("illegal transition mutated state to %v", w.RunState)
	}

	if !w.Apply(EventStopAcked) {
		t.Fatalf("StopAcked from Stopping should succeed")
	}
	if w.RunState != RunStopped {
		t.Fatalf("state after StopAcked = %v, want Stopped", w.RunState)
	}
}

func TestWorkerEnqueueAndFlushFIFO(t *testing.T) {
	w, workerSide := newWorkerPipePair(t)

	if err := w.Enqueue(&OrderMessage{ID: "a", Kind: KindStatus}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if err := w.Enqueue(&OrderMessage{ID: "b", Kind: KindStatus}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	first, ok, err := workerSide.ReadMessage()
	if err != nil || !ok {
		t.Fatalf("ReadMessage first: ok=%v err=%v", ok, err)
	}
	if first.ID != "a" {
		t.Fatalf("got id %v, want a", first.ID)
	}

	second, ok, err := workerSide.ReadMessage()
	if err != nil || !ok {
		t.Fatalf("ReadMessage second: ok=%v err=%v", ok, err)
	}
	if second.ID != "b" {
		t.Fatalf("got id %v, want b", second.ID)
	}
}

func TestWorkerEnqueueKeepsOrderQueuedOnChannelFull(t *testing.T) {
	a, b := net.Pipe()
	tiny := channel.New[OrderMessage, OrderAnswer](a, 8, 40)
	tiny.SetWriteBlocking(false)
	workerSide := channel.New[OrderAnswer, OrderMessage](b, 8, 1<<20)
	t.Cleanup(func() {
		_ = tiny.Close()
		_ = workerSide.Close()
	})

	w := NewWorker(2, 5678, "tok", tiny, time.Unix(0, 0))

	if err := w.Enqueue(&OrderMessage{ID: "overflow-me-please", Kind: KindStatus}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(w.Queue) != 1 {
		t.Fatalf("queue length = %d, want 1 (write should have been rejected as ErrChannelFull)", len(w.Queue))
	}
}

func TestWorkerTimedOut(t *testing.T) {
	w, _ := newWorkerPipePair(t)

	now := time.Unix(100, 0)
	w.MarkActivity(now)

	if w.TimedOut(now.Add(5*time.Second), 10*time.Second) {
		t.Fatalf("should not be timed out after only 5s with a 10s timeout")
	}
	if !w.TimedOut(now.Add(11*time.Second), 10*time.Second) {
		t.Fatalf("should be timed out after 11s with a 10s timeout")
	}
}
