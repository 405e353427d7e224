// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package command

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigilproxy/master/channel"
	"github.com/sigilproxy/master/state"
)

// testClient dials the server's control socket and speaks the client side of the
// ConfigMessage/ConfigMessageAnswer protocol directly, the same way a real operator tool would.
type testClient struct {
	ch *channel.Channel[ConfigMessage, ConfigMessageAnswer]
}

func dialTestClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()

	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}

	ch := channel.New[ConfigMessage, ConfigMessageAnswer](conn, 4096, 1<<20)
	t.Cleanup(func() { _ = ch.Close() })

	return &testClient{ch: ch}
}

func (c *testClient) ask(t *testing.T, msg *ConfigMessage) *ConfigMessageAnswer {
	t.Helper()

	if err := c.ch.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	return c.next(t)
}

// next reads the next answer the server sends to this client.
func (c *testClient) next(t *testing.T) *ConfigMessageAnswer {
	t.Helper()

	answer, ok, err := c.ch.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !ok {
		t.Fatalf("ReadMessage reported no message")
	}
	return answer
}

func newTestServer(t *testing.T) (*Server, net.Addr) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := NewServer(listener, state.New(), prometheus.NewRegistry(), 0)
	s.WorkerTimeout = 50 * time.Millisecond
	s.RequestTimeout = 100 * time.Millisecond

	go func() { _ = s.Run() }()
	t.Cleanup(func() { s.Stop(nil) })

	return s, listener.Addr()
}

// workerHandle lets a test act as the worker side of an AddWorker'd connection.
type workerHandle struct {
	ch *channel.Channel[OrderAnswer, OrderMessage]
}

func attachTestWorker(t *testing.T, s *Server) (*Worker, *workerHandle) {
	t.Helper()

	a, b := net.Pipe()
	w := s.AddWorker(a, 4242, "tok", 4096)
	wh := &workerHandle{ch: channel.New[OrderAnswer, OrderMessage](b, 4096, 1<<20)}
	t.Cleanup(func() { _ = wh.ch.Close() })

	return w, wh
}

func TestDispatchMutationFansOutAndAggregates(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)
	_, wh := attachTestWorker(t, s)

	appPayload, _ := json.Marshal(state.Application{Name: "checkout"})

	done := make(chan *ConfigMessageAnswer, 1)
	go func() {
		done <- client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: appPayload})
	}()

	order, ok, err := wh.ch.ReadMessage()
	if err != nil {
		t.Fatalf("worker ReadMessage: %v", err)
	}
	if !ok || order.ID != "req-1" || order.Kind != KindAddApplication {
		t.Fatalf("got order %+v ok=%v, want id=req-1 kind=add_application", order, ok)
	}

	first := <-done
	if first.Status != StatusProcessing {
		t.Fatalf("immediate reply status = %v, want processing", first.Status)
	}

	if err := wh.ch.WriteMessage(&OrderAnswer{ID: "req-1", Ok: true}); err != nil {
		t.Fatalf("worker WriteMessage: %v", err)
	}

	// Answers reach a client in the order its requests were accepted, so req-1's final answer
	// arrives ahead of the reply to the status request.
	final := client.ask(t, &ConfigMessage{ID: "req-2", Kind: KindStatus})
	if final.ID != "req-1" || final.Status != StatusOk {
		t.Fatalf("final reply = %+v, want req-1 ok", final)
	}
	status := client.next(t)
	if status.ID != "req-2" || status.Status != StatusOk {
		t.Fatalf("status reply = %+v, want req-2 ok", status)
	}

	apps := s.State.Applications()
	if len(apps) != 1 || apps[0].Name != "checkout" {
		t.Fatalf("state not updated: %+v", apps)
	}
}

func TestDispatchMutationWithNoRunningWorkersRepliesOkImmediately(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)

	payload, _ := json.Marshal(state.Application{Name: "solo"})
	answer := client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: payload})

	if answer.Status != StatusOk {
		t.Fatalf("status = %v, want ok (no workers to await)", answer.Status)
	}
}

func TestQueryApplicationsReflectsAcceptedMutation(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)
	_ = s

	payload, _ := json.Marshal(state.Application{Name: "catalog"})
	client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: payload})

	namesPayload, _ := json.Marshal([]string{"catalog"})
	answer := client.ask(t, &ConfigMessage{ID: "req-2", Kind: KindQueryApplications, Payload: namesPayload})

	if answer.Status != StatusOk {
		t.Fatalf("status = %v, want ok", answer.Status)
	}

	var apps []state.Application
	if err := json.Unmarshal(answer.Payload, &apps); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "catalog" {
		t.Fatalf("got %+v, want one application named catalog", apps)
	}
}

func TestUnknownKindIsBadRequest(t *testing.T) {
	_, addr := newTestServer(t)
	client := dialTestClient(t, addr)

	answer := client.ask(t, &ConfigMessage{ID: "req-1", Kind: Kind("not_a_real_kind")})
	if answer.Status != StatusError {
		t.Fatalf("status = %v, want error", answer.Status)
	}
}

func TestDuplicateWorkerReplyIsDroppedNotDoubleCounted(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)
	_, wh := attachTestWorker(t, s)

	payload, _ := json.Marshal(state.Application{Name: "dup"})

	done := make(chan *ConfigMessageAnswer, 1)
	go func() {
		done <- client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: payload})
	}()

	if _, ok, err := wh.ch.ReadMessage(); err != nil || !ok {
		t.Fatalf("worker ReadMessage: ok=%v err=%v", ok, err)
	}
	<-done

	// Reply twice with the same correlation id; the second must be dropped rather than
	// completing a second, already-resolved aggregation.
	if err := wh.ch.WriteMessage(&OrderAnswer{ID: "req-1", Ok: true}); err != nil {
		t.Fatalf("first worker reply: %v", err)
	}
	if err := wh.ch.WriteMessage(&OrderAnswer{ID: "req-1", Ok: true}); err != nil {
		t.Fatalf("second worker reply: %v", err)
	}

	// req-1's final answer comes first; the status reply behind it proves the event loop is
	// still alive and wasn't wedged by the duplicate.
	first := client.ask(t, &ConfigMessage{ID: "req-2", Kind: KindStatus})
	if first.ID != "req-1" || first.Status != StatusOk {
		t.Fatalf("final answer = %+v, want req-1 ok", first)
	}
	final := client.next(t)
	if final.Status != StatusOk {
		t.Fatalf("status after duplicate reply = %+v, want ok", final)
	}
}

func TestWorkerChannelFailureReapsAndResolvesPending(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)
	w, wh := attachTestWorker(t, s)

	payload, _ := json.Marshal(state.Application{Name: "reap-me"})

	done := make(chan *ConfigMessageAnswer, 1)
	go func() {
		done <- client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: payload})
	}()

	if _, ok, err := wh.ch.ReadMessage(); err != nil || !ok {
		t.Fatalf("worker ReadMessage: ok=%v err=%v", ok, err)
	}
	<-done

	// Kill the worker's end of the pipe without ever answering; the server should notice the
	// I/O failure, reap the worker, and resolve the aggregation with a failure outcome rather
	// than hang forever.
	_ = wh.ch.Close()

	// The reap answers req-1 with a failure outcome, ahead of the reply to the status request
	// accepted after it.
	resolved := client.ask(t, &ConfigMessage{ID: "req-2", Kind: KindStatus})
	if resolved.ID != "req-1" || resolved.Status != StatusError {
		t.Fatalf("answer for reaped request = %+v, want req-1 error", resolved)
	}
	final := client.next(t)
	if final.Status != StatusOk {
		t.Fatalf("status query after reap = %+v, want ok", final)
	}

	if _, stillPresent := s.workers[w.ID]; stillPresent {
		t.Fatalf("worker %d should have been reaped", w.ID)
	}
}

func TestWorkerTimeoutProbesThenRequestTimesOut(t *testing.T) {
	s, addr := newTestServer(t)
	client := dialTestClient(t, addr)
	_, wh := attachTestWorker(t, s)

	payload, _ := json.Marshal(state.Application{Name: "slow"})

	done := make(chan *ConfigMessageAnswer, 1)
	go func() {
		done <- client.ask(t, &ConfigMessage{ID: "req-1", Kind: KindAddApplication, Payload: payload})
	}()

	if _, ok, err := wh.ch.ReadMessage(); err != nil || !ok {
		t.Fatalf("worker ReadMessage: ok=%v err=%v", ok, err)
	}
	<-done

	// Never answer. Once RequestTimeout (100ms) has passed, the next once-a-second timeout check
	// expires the pending aggregation and reports a WorkerTimeoutError for req-1, ahead of the
	// reply to the status request accepted after it, without the test needing a fake clock.
	select {
	case answer := <-asyncAsk(t, client, &ConfigMessage{ID: "req-2", Kind: KindStatus}):
		if answer.ID != "req-1" || answer.Status != StatusError {
			t.Fatalf("timed-out mutation should be answered with an error: %+v", answer)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed-out mutation never answered")
	}
	if answer := client.next(t); answer.Status != StatusOk {
		t.Fatalf("status query should still succeed independent of the timed-out mutation: %+v", answer)
	}
}

func asyncAsk(t *testing.T, c *testClient, msg *ConfigMessage) chan *ConfigMessageAnswer {
	t.Helper()
	out := make(chan *ConfigMessageAnswer, 1)
	go func() { out <- c.ask(t, msg) }()
	return out
}

func TestSimulatedClockDrivesDeterministicTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))

	s := NewServer(listener, state.New(), prometheus.NewRegistry(), 0)
	s.Clock = clock
	s.WorkerTimeout = 10 * time.Second
	s.RequestTimeout = 10 * time.Second

	go func() { _ = s.Run() }()
	t.Cleanup(func() { s.Stop(nil) })

	w, wh := attachTestWorker(t, s)
	_ = wh

	clock.AdvanceTime(11 * time.Second)
	// checkTimeouts runs on the event loop's one-second ticker; wait past one tick so it
	// observes the advanced clock.
	time.Sleep(1500 * time.Millisecond)

	if w.RunState != RunNotAnswering {
		t.Fatalf("worker state = %v, want NotAnswering after clock advance past WorkerTimeout", w.RunState)
	}
}
