// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package channel

import (
	"net"
	"testing"
	"time"
)

type pingMsg struct {
	Seq int    `json:"seq"`
	Msg string `json:"msg"`
}

type pongMsg struct {
	Seq int  `json:"seq"`
	Ack bool `json:"ack"`
}

func newPipePair(t *testing.T) (*Channel[pingMsg, pongMsg], *Channel[pongMsg, pingMsg]) {
	t.Helper()

	a, b := net.Pipe()
	client := New[pingMsg, pongMsg](a, 64, 1<<20)
	server := New[pongMsg, pingMsg](b, 64, 1<<20)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	client, server := newPipePair(t)

	go func() {
		_ = client.WriteMessage(&pingMsg{Seq: 1, Msg: "hello"})
	}()

	got, ok, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	if !ok {
		t.Fatalf("ReadMessage reported no message in blocking mode")
	}
	if got.Seq != 1 || got.Msg != "hello" {
		t.Fatalf("got %+v, want Seq=1 Msg=hello", got)
	}
}

func TestReplyRoundTrips(t *testing.T) {
	client, server := newPipePair(t)

	go func() {
		msg, _, err := server.ReadMessage()
		if err != nil {
			t.Errorf("server ReadMessage: %v", err)
			return
		}
		if err := server.WriteMessage(&pongMsg{Seq: msg.Seq, Ack: true}); err != nil {
			t.Errorf("server WriteMessage: %v", err)
		}
	}()

	if err := client.WriteMessage(&pingMsg{Seq: 7, Msg: "ping"}); err != nil {
		t.Fatalf("client WriteMessage: %v", err)
	}

	reply, ok, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage: %v", err)
	}
	if !ok || reply.Seq != 7 || !reply.Ack {
		t.Fatalf("got %+v ok=%v, want Seq=7 Ack=true", reply, ok)
	}
}

func TestNonBlockingReadWithNoDataReturnsNotOk(t *testing.T) {
	client, server := newPipePair(t)
	_ = client

	server.SetBlocking(false)

	_, ok, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	if ok {
		t.Fatalf("ReadMessage reported a message when none was sent")
	}
}

func TestWriteMessageRejectsOversizedPayloadWithoutMutatingBuffer(t *testing.T) {
	client, server := newPipePair(t)
	_ = server

	tiny := New[pingMsg, pongMsg](client.conn, 8, frameHeaderSize+4)

	err := tiny.WriteMessage(&pingMsg{Seq: 1, Msg: "this message is far too long for the buffer"})
	if err != ErrChannelFull {
		t.Fatalf("got err=%v, want ErrChannelFull", err)
	}
	if len(tiny.sendBuf) != 0 {
		t.Fatalf("send buffer mutated on rejected message: %v", tiny.sendBuf)
	}
}

func TestIOErrorPoisonsChannel(t *testing.T) {
	client, server := newPipePair(t)

	_ = server.Close()

	err := client.WriteMessage(&pingMsg{Seq: 1, Msg: "hi"})
	if err == nil {
		t.Fatalf("expected an error writing to a closed peer")
	}

	// Second call must return the same poison, not attempt I/O again.
	err2 := client.WriteMessage(&pingMsg{Seq: 2, Msg: "hi again"})
	if err2 != err {
		t.Fatalf("channel not poisoned consistently: first=%v second=%v", err, err2)
	}
}

func TestCloseThenOperatePoisoned(t *testing.T) {
	client, server := newPipePair(t)
	_ = server

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, _, err := client.ReadMessage()
	if err != ErrChannelClosed {
		t.Fatalf("got err=%v, want ErrChannelClosed", err)
	}
}

func TestReadAndWriteBlockingModesAreIndependent(t *testing.T) {
	client, server := newPipePair(t)

	// A blocking write from one goroutine and a non-blocking read loop driven from this
	// goroutine must not interfere with each other's deadline handling.
	server.SetReadBlocking(false)
	server.SetWriteBlocking(true)

	_, ok, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if ok {
		t.Fatalf("unexpected message before any write")
	}

	done := make(chan error, 1)
	go func() {
		done <- client.WriteMessage(&pingMsg{Seq: 3, Msg: "blocking write"})
	}()

	var got *pingMsg
	for got == nil {
		got, ok, err = server.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
	}
	if got.Seq != 3 {
		t.Fatalf("got %+v, want Seq=3", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("blocking WriteMessage: %v", err)
	}
}

func TestSetBlockingTogglesDeadlineBehavior(t *testing.T) {
	client, server := newPipePair(t)
	_ = client

	server.SetBlocking(false)
	start := time.Now()
	_, ok, err := server.ReadMessage()
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if ok {
		t.Fatalf("unexpected message")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("non-blocking ReadMessage took %v, expected an immediate return", elapsed)
	}
}
