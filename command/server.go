// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Package command is the Command Server: it accepts operator connections on the control
socket, translates each ConfigMessage into OrderMessages fanned out to the worker fleet,
aggregates the replies, and owns the per-worker lifecycle state machine.

The server itself runs a single-threaded, cooperative event loop (Server.Run), the same shape
as the benchmark tool's own Foreman.eventLoop: one goroutine per connection does blocking reads
and forwards decoded messages onto a channel, and the loop does nothing but select{} over those
channels plus a ticker for liveness/timeout bookkeeping. ConfigState is only ever mutated from
inside that loop.
*/

package command

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigilproxy/master/channel"
	"github.com/sigilproxy/master/logger"
	"github.com/sigilproxy/master/state"
)

var log = logger.Get("command")

type clientConn struct {
	id uint64
	ch *channel.Channel[ConfigMessageAnswer, ConfigMessage]

	// order is the FIFO of request ids accepted from this client whose final answer hasn't been
	// delivered yet, and done holds final answers computed out of turn. Together they preserve
	// the invariant that a client's answers arrive in the order its requests were accepted, even
	// when the underlying worker replies that resolve them arrive in a different order.
	order []string
	done  map[string]*ConfigMessageAnswer
}

type clientEvent struct {
	client *clientConn
	msg    *ConfigMessage
	err    error
}

type workerEvent struct {
	workerID uint32
	msg      *OrderAnswer
	err      error
}

// pendingRequest tracks one ConfigMessage that has been fanned out to some subset of workers
// and is waiting for all of them to answer before a single ConfigMessageAnswer can be sent back
// to the client that asked for it.
type pendingRequest struct {
	client   *clientConn
	kind     Kind
	awaiting map[uint32]bool
	outcomes map[uint32]string
	deadline time.Time
}

// UpgradeFunc kicks off an upgrade attempt and returns immediately; it must not block the event
// loop waiting for the successor's readiness handshake. When the attempt concludes — forked and
// acknowledged ready, or failed at some stage — it reports the outcome by calling onDone exactly
// once (nil on success, a non-nil error otherwise) from any goroutine. The Server does not know
// how to perform an upgrade itself — that's the upgrade package's job — so the orchestrator is
// injected as a plain function to avoid an import cycle between command and upgrade.
type UpgradeFunc func(onDone func(error))

// Server is the command server. Exported fields are safe to read after construction; they must
// not be mutated except through the Run loop.
type Server struct {
	State   *state.ConfigState
	Log     *logger.Entry
	Metrics *Metrics
	Clock   timeutil.Clock

	WorkerTimeout  time.Duration
	RequestTimeout time.Duration

	OnUpgrade UpgradeFunc

	listener  net.Listener
	newConnCh chan net.Conn

	clientMsgCh     chan clientEvent
	workerMsgCh     chan workerEvent
	upgradeResultCh chan error

	clients      map[uint64]*clientConn
	nextClientID uint64

	workers      map[uint32]*Worker
	nextWorkerID uint32

	pending map[string]*pendingRequest

	generation     int
	upgrading      bool
	pendingUpgrade *pendingUpgrade

	stopCh  chan struct{}
	exitErr error
}

// pendingUpgrade tracks the one client request that is waiting on an in-flight upgrade attempt.
type pendingUpgrade struct {
	client *clientConn
	id     string
}

// NewServer builds a Server around an already-listening control socket.
func NewServer(listener net.Listener, st *state.ConfigState, registry *prometheus.Registry, generation int) *Server {
	return &Server{
		State:          st,
		Log:            log,
		Metrics:        NewMetrics(registry),
		Clock:          timeutil.RealClock(),
		WorkerTimeout:  10 * time.Second,
		RequestTimeout: 30 * time.Second,

		listener:  listener,
		newConnCh: make(chan net.Conn, 16),

		clientMsgCh:     make(chan clientEvent, 64),
		workerMsgCh:     make(chan workerEvent, 64),
		upgradeResultCh: make(chan error, 1),

		clients: make(map[uint64]*clientConn),
		workers: make(map[uint32]*Worker),
		pending: make(map[string]*pendingRequest),

		generation: generation,

		stopCh: make(chan struct{}),
	}
}

// AddWorker registers an already-connected worker, such as one just spawned at startup or one
// reconstructed from UpgradeData across an upgrade. The caller assigns no ID: the server mints
// one that is never reused for the lifetime of the process.
func (s *Server) AddWorker(conn net.Conn, pid int, token string, bufSize int) *Worker {
	ch := channel.New[OrderMessage, OrderAnswer](conn, bufSize, bufSize)
	// The read side blocks inside workerReadLoop's dedicated goroutine; the write side stays
	// non-blocking so the event loop's Flush calls never stall on a slow worker.
	ch.SetReadBlocking(true)
	ch.SetWriteBlocking(false)

	id := s.nextWorkerID
	s.nextWorkerID++

	w := NewWorker(id, pid, token, ch, s.Clock.Now())
	s.workers[id] = w

	go s.workerReadLoop(w)

	return w
}

// RestoreWorker re-attaches a worker channel carried across an upgrade, preserving its original
// id, pid, token, run state and queue instead of minting a fresh identity the way AddWorker does.
// If the peer turns out to already be gone — a descriptor that is numerically valid but whose
// far end closed before the handoff completed — the worker is restored as NotAnswering rather
// than trusting the snapshotted run_state, per the invariant that a dead channel is never
// reported as Running.
func (s *Server) RestoreWorker(conn net.Conn, id uint32, pid int, token string, runState RunState, queue []*OrderMessage, bufSize int) *Worker {
	ch := channel.New[OrderMessage, OrderAnswer](conn, bufSize, bufSize)
	ch.SetReadBlocking(true)
	ch.SetWriteBlocking(false)

	w := NewWorker(id, pid, token, ch, s.Clock.Now())
	w.RunState = runState
	w.Queue = queue

	ch.SetReadBlocking(false)
	if _, _, err := ch.ReadMessage(); err != nil {
		s.Log.Warnf("worker %d: channel already closed on restore, marking NotAnswering", id)
		w.RunState = RunNotAnswering
	}
	ch.SetReadBlocking(true)

	s.workers[id] = w
	if id >= s.nextWorkerID {
		s.nextWorkerID = id + 1
	}

	go s.workerReadLoop(w)

	return w
}

// Workers returns every worker currently tracked, in no particular order. Used by the upgrade
// orchestrator to build a snapshot and by `status`-style introspection.
func (s *Server) Workers() []*Worker {
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// Generation reports how many upgrades this running master has witnessed.
func (s *Server) Generation() int {
	return s.generation
}

// NextWorkerID reports the id that will be assigned to the next worker AddWorker mints, so a
// snapshot can record the allocator cursor for the successor to resume from.
func (s *Server) NextWorkerID() uint32 {
	return s.nextWorkerID
}

// SetNextWorkerID resets the allocator cursor, used by a successor master restoring it from
// UpgradeData.NextID so newly spawned workers never collide with ids the predecessor already
// handed out.
func (s *Server) SetNextWorkerID(id uint32) {
	s.nextWorkerID = id
}

// BeginUpgrade marks the server as mid-upgrade: per the upgrade-window policy, new mutating
// orders are rejected (status/query requests still succeed) until either AbortUpgrade cancels
// the attempt or the process exits having handed off to a successor.
func (s *Server) BeginUpgrade() {
	s.upgrading = true
}

// AbortUpgrade clears the upgrade-in-progress flag, restoring normal mutation handling. Called
// when fork, exec or the successor's readiness handshake fails and this process remains
// authoritative.
func (s *Server) AbortUpgrade() {
	s.upgrading = false
}

// CloseAllWorkers closes every worker's channel. Called once a successor has taken ownership of
// the underlying descriptors (the successor holds its own duplicate, so this does not disturb
// its copy) and this process is about to exit.
func (s *Server) CloseAllWorkers() {
	for _, w := range s.workers {
		_ = w.Close()
	}
}

func (s *Server) workerReadLoop(w *Worker) {
	for {
		msg, ok, err := w.channel.ReadMessage()
		if err != nil {
			s.workerMsgCh <- workerEvent{workerID: w.ID, err: err}
			return
		}
		if ok {
			s.workerMsgCh <- workerEvent{workerID: w.ID, msg: msg}
		}
	}
}

// acceptLoop feeds newConnCh until the listener is closed.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.newConnCh <- conn
	}
}

// Run is the event loop. It blocks until a client asks for a hard/soft stop, or OnUpgrade
// succeeds, returning the error (if any) that ended it.
func (s *Server) Run() error {
	go s.acceptLoop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case conn := <-s.newConnCh:
			s.handleNewClient(conn)

		case ev := <-s.clientMsgCh:
			s.handleClientEvent(ev)

		case ev := <-s.workerMsgCh:
			s.handleWorkerEvent(ev)

		case err := <-s.upgradeResultCh:
			s.handleUpgradeResult(err)

		case <-ticker.C:
			s.checkTimeouts()
			s.publishMetrics()

		case <-s.stopCh:
			return s.exitErr
		}
	}
}

// Stop asks the event loop to return at its next iteration.
func (s *Server) Stop(err error) {
	s.exitErr = err
	close(s.stopCh)
	_ = s.listener.Close()
}

func (s *Server) handleNewClient(conn net.Conn) {
	ch := channel.New[ConfigMessageAnswer, ConfigMessage](conn, 4096, 1<<20)
	// Writes happen from the event loop goroutine via send(); reads happen from this client's
	// own clientReadLoop goroutine. Each side's blocking mode is only ever touched by the one
	// goroutine responsible for that direction.
	ch.SetWriteBlocking(false)

	id := s.nextClientID
	s.nextClientID++

	c := &clientConn{id: id, ch: ch}
	s.clients[id] = c

	go s.clientReadLoop(c)
}

func (s *Server) clientReadLoop(c *clientConn) {
	c.ch.SetReadBlocking(true)
	for {
		msg, ok, err := c.ch.ReadMessage()
		if err != nil {
			s.clientMsgCh <- clientEvent{client: c, err: err}
			return
		}
		if ok {
			s.clientMsgCh <- clientEvent{client: c, msg: msg}
		}
	}
}

func (s *Server) handleClientEvent(ev clientEvent) {
	if ev.err != nil {
		delete(s.clients, ev.client.id)
		return
	}
	s.dispatch(ev.client, ev.msg)
}

// dispatch translates one ConfigMessage into either an immediate reply or a fan-out of
// OrderMessages across every currently-running worker.
func (s *Server) dispatch(c *clientConn, msg *ConfigMessage) {
	s.acceptRequest(c, msg.ID)

	if mutatingKinds[msg.Kind] {
		if s.upgrading {
			s.replyError(c, msg.ID, &UpgradeInProgressError{})
			return
		}
		s.dispatchMutation(c, msg)
		return
	}

	switch msg.Kind {
	case KindStatus:
		s.reply(c, msg.ID, StatusOk, s.renderMetrics(), nil)

	case KindMetrics:
		s.reply(c, msg.ID, StatusOk, s.renderMetrics(), nil)

	case KindQueryApplications:
		var names []string
		if err := json.Unmarshal(msg.Payload, &names); err != nil {
			s.replyError(c, msg.ID, &BadRequestError{Reason: err.Error()})
			return
		}
		apps := s.State.QueryApplications(names)
		payload, _ := json.Marshal(apps)
		s.replyWithPayload(c, msg.ID, StatusOk, "", payload)

	case KindStateSave, KindStateLoad, KindStateDump:
		s.handleStateCommand(c, msg)

	case KindLoggingFilter:
		s.handleLoggingFilter(c, msg)

	case KindSoftStop, KindHardStop:
		s.handleStop(c, msg)

	case KindUpgrade:
		s.handleUpgrade(c, msg)

	default:
		s.replyError(c, msg.ID, &BadRequestError{Reason: fmt.Sprintf("unknown kind %q", msg.Kind)})
	}
}

func (s *Server) dispatchMutation(c *clientConn, msg *ConfigMessage) {
	if err := s.applyMutation(msg); err != nil {
		s.replyError(c, msg.ID, err)
		return
	}

	awaiting := make(map[uint32]bool)
	for id, w := range s.workers {
		if w.RunState != RunRunning {
			continue
		}
		order := &OrderMessage{ID: msg.ID, Kind: msg.Kind, Payload: msg.Payload}
		if err := w.Enqueue(order); err != nil {
			s.Log.Warnf("could not enqueue order %v to worker %d: %v", msg.ID, id, err)
			continue
		}
		s.Metrics.ordersDispatched.Inc()
		awaiting[id] = true
	}

	s.awaitWorkers(c, msg, awaiting)
}

// awaitWorkers either replies immediately (nothing to wait on) or registers a pendingRequest and
// sends an interim "processing" notice, the shared aggregation tail dispatchMutation and
// handleStop both use so a fanned-out order's final answer is always produced the same way.
func (s *Server) awaitWorkers(c *clientConn, msg *ConfigMessage, awaiting map[uint32]bool) {
	if len(awaiting) == 0 {
		s.reply(c, msg.ID, StatusOk, "", nil)
		return
	}

	s.pending[msg.ID] = &pendingRequest{
		client:   c,
		kind:     msg.Kind,
		awaiting: awaiting,
		outcomes: make(map[uint32]string),
		deadline: s.Clock.Now().Add(s.RequestTimeout),
	}
	s.sendInterim(c, msg.ID, StatusProcessing)
}

// applyMutation updates ConfigState to reflect msg, ahead of fanning it out: the state the
// command server reports to a fresh `status` query should reflect accepted orders immediately,
// independent of how long the worker fleet takes to catch up.
func (s *Server) applyMutation(msg *ConfigMessage) error {
	switch msg.Kind {
	case KindAddApplication:
		var app state.Application
		if err := json.Unmarshal(msg.Payload, &app); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.AddApplication(app)

	case KindRemoveApplication:
		var name string
		if err := json.Unmarshal(msg.Payload, &name); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.RemoveApplication(name)

	case KindAddBackend:
		var b state.Backend
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.AddBackend(b)

	case KindRemoveBackend:
		var name string
		if err := json.Unmarshal(msg.Payload, &name); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.RemoveBackend(name)

	case KindAddHTTPFrontend:
		var f state.HTTPFrontend
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.AddHTTPFrontend(f)

	case KindRemoveHTTPFrontend:
		var name string
		if err := json.Unmarshal(msg.Payload, &name); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.RemoveHTTPFrontend(name)

	case KindAddTCPFrontend:
		var f state.TCPFrontend
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.AddTCPFrontend(f)

	case KindRemoveTCPFrontend:
		var name string
		if err := json.Unmarshal(msg.Payload, &name); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.RemoveTCPFrontend(name)

	case KindAddCertificate:
		var cert state.Certificate
		if err := json.Unmarshal(msg.Payload, &cert); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.AddCertificate(cert)

	case KindRemoveCertificate:
		var name string
		if err := json.Unmarshal(msg.Payload, &name); err != nil {
			return &BadRequestError{Reason: err.Error()}
		}
		s.State.RemoveCertificate(name)
	}

	return nil
}

func (s *Server) handleStateCommand(c *clientConn, msg *ConfigMessage) {
	var path string
	_ = json.Unmarshal(msg.Payload, &path)

	switch msg.Kind {
	case KindStateDump:
		dump, err := s.State.Dump()
		if err != nil {
			s.replyError(c, msg.ID, &SerializationError{Err: err})
			return
		}
		s.reply(c, msg.ID, StatusOk, dump, nil)

	case KindStateSave:
		if err := s.State.Save(path); err != nil {
			s.replyError(c, msg.ID, &IoError{Err: err})
			return
		}
		s.reply(c, msg.ID, StatusOk, "", nil)

	case KindStateLoad:
		if err := s.State.Load(path); err != nil {
			s.replyError(c, msg.ID, &IoError{Err: err})
			return
		}
		s.reply(c, msg.ID, StatusOk, "", nil)
	}
}

func (s *Server) handleLoggingFilter(c *clientConn, msg *ConfigMessage) {
	var spec string
	if err := json.Unmarshal(msg.Payload, &spec); err != nil {
		s.replyError(c, msg.ID, &BadRequestError{Reason: err.Error()})
		return
	}

	warnings := logger.Default().SetDirectives(spec)
	for _, w := range warnings {
		s.Log.Warnf("%v", w)
	}
	s.reply(c, msg.ID, StatusOk, "", nil)
}

// handleStop fans a soft/hard stop order out to every worker eligible to receive it and waits
// for each to acknowledge, the same aggregation used for config mutations. The process only
// actually exits once that aggregation completes with every worker cleanly acked — see
// completeRequest — so an unresponsive worker reports a WorkerTimeoutError instead of the master
// exiting out from under the rest of the fleet.
func (s *Server) handleStop(c *clientConn, msg *ConfigMessage) {
	ev := EventSoftStopRequested
	if msg.Kind == KindHardStop {
		ev = EventHardStopRequested
	}

	awaiting := make(map[uint32]bool)
	for id, w := range s.workers {
		if !w.Apply(ev) {
			s.Log.Warnf("worker %d: illegal stop transition from %v", id, w.RunState)
			continue
		}
		if err := w.Enqueue(&OrderMessage{ID: msg.ID, Kind: msg.Kind}); err != nil {
			s.Log.Warnf("could not enqueue stop order to worker %d: %v", id, err)
			continue
		}
		s.Metrics.ordersDispatched.Inc()
		awaiting[id] = true
	}

	if len(awaiting) == 0 {
		s.reply(c, msg.ID, StatusOk, "", nil)
		s.Stop(nil)
		return
	}

	s.awaitWorkers(c, msg, awaiting)
}

func (s *Server) handleUpgrade(c *clientConn, msg *ConfigMessage) {
	if s.OnUpgrade == nil {
		s.replyError(c, msg.ID, &UpgradeFailedError{Stage: "not configured", Err: fmt.Errorf("no upgrade orchestrator wired")})
		return
	}

	if s.upgrading {
		s.replyError(c, msg.ID, &UpgradeInProgressError{})
		return
	}

	s.BeginUpgrade()
	s.pendingUpgrade = &pendingUpgrade{client: c, id: msg.ID}
	s.sendInterim(c, msg.ID, StatusProcessing)

	// OnUpgrade runs the fork/exec and readiness handshake on its own goroutine and reports
	// back through upgradeResultCh; it must never block this call or the event loop stalls for
	// as long as the successor takes to start.
	s.OnUpgrade(func(err error) {
		s.upgradeResultCh <- err
	})
}

func (s *Server) handleUpgradeResult(err error) {
	pu := s.pendingUpgrade
	s.pendingUpgrade = nil
	s.AbortUpgrade()

	if pu == nil {
		// The orchestrator reported after the requesting client's aggregation already went
		// away somehow; nothing left to reply to, but still honor a successful handoff.
		if err == nil {
			s.CloseAllWorkers()
			s.Stop(nil)
		}
		return
	}

	if err != nil {
		s.replyError(pu.client, pu.id, &UpgradeFailedError{Stage: "orchestrate", Err: err})
		return
	}

	s.reply(pu.client, pu.id, StatusOk, "", nil)
	s.CloseAllWorkers()
	s.Stop(nil)
}

func (s *Server) handleWorkerEvent(ev workerEvent) {
	w, ok := s.workers[ev.workerID]
	if !ok {
		return
	}

	if ev.err != nil {
		s.Log.Warnf("worker %d channel failed: %v", ev.workerID, ev.err)
		s.reapWorker(w, ev.err)
		return
	}

	w.MarkActivity(s.Clock.Now())

	pr, ok := s.pending[ev.msg.ID]
	if !ok {
		// Either a duplicate reply for an ID we've already completed, or a reply with no
		// matching request at all. Either way this is dropped rather than risking corrupting
		// an unrelated aggregation.
		s.Log.Warnf("worker %d: dropping reply with unknown correlation id %v", ev.workerID, ev.msg.ID)
		return
	}

	if !pr.awaiting[ev.workerID] {
		s.Log.Warnf("worker %d: duplicate reply for %v", ev.workerID, ev.msg.ID)
		return
	}
	delete(pr.awaiting, ev.workerID)

	if !ev.msg.Ok {
		pr.outcomes[ev.workerID] = ev.msg.Message
		s.Metrics.ordersFailed.Inc()
	}

	if pr.kind == KindSoftStop || pr.kind == KindHardStop {
		w.Apply(EventStopAcked)
	}

	if len(pr.awaiting) == 0 {
		s.completeRequest(ev.msg.ID, pr)
	}
}

func (s *Server) completeRequest(id string, pr *pendingRequest) {
	delete(s.pending, id)

	if len(pr.outcomes) == 0 {
		s.reply(pr.client, id, StatusOk, "", nil)
		// A soft/hard stop only retires this process once every worker it was waiting on has
		// cleanly acked; a worker that timed out or got reaped mid-stop leaves outcomes
		// non-empty, so the process stays up rather than exiting with the fleet's state unknown.
		if pr.kind == KindSoftStop || pr.kind == KindHardStop {
			s.Stop(nil)
		}
		return
	}

	answer := &ConfigMessageAnswer{
		ID:             id,
		Status:         StatusError,
		Message:        "one or more workers failed to apply the order",
		WorkerOutcomes: pr.outcomes,
	}
	s.deliverAnswer(pr.client, answer)
}

func (s *Server) checkTimeouts() {
	now := s.Clock.Now()

	for id, pr := range s.pending {
		if now.Before(pr.deadline) {
			continue
		}

		timedOut := make([]uint32, 0, len(pr.awaiting))
		for wid := range pr.awaiting {
			timedOut = append(timedOut, wid)
			if w, ok := s.workers[wid]; ok {
				w.Apply(EventTimeout)
			}
		}

		delete(s.pending, id)
		s.replyError(pr.client, id, &WorkerTimeoutError{WorkerIDs: timedOut})
	}

	for _, w := range s.workers {
		if w.RunState == RunRunning && w.TimedOut(now, s.WorkerTimeout) {
			w.Apply(EventTimeout)
			s.Log.Warnf("worker %d timed out, probing", w.ID)
			if err := w.Enqueue(&OrderMessage{ID: mustID(), Kind: "probe"}); err != nil {
				w.Apply(EventProbeFailed)
			}
		}

		_ = w.Flush()
	}
}

func (s *Server) reapWorker(w *Worker, cause error) {
	w.Apply(EventReaped)
	_ = w.Close()
	delete(s.workers, w.ID)

	for id, pr := range s.pending {
		if _, ok := pr.awaiting[w.ID]; ok {
			delete(pr.awaiting, w.ID)
			pr.outcomes[w.ID] = fmt.Sprintf("worker reaped: %v", cause)
			if len(pr.awaiting) == 0 {
				s.completeRequest(id, pr)
			}
		}
	}
}

func (s *Server) publishMetrics() {
	counts := map[RunState]int{}
	for _, w := range s.workers {
		counts[w.RunState]++
		s.Metrics.setQueueDepth(w.ID, len(w.Queue))
	}
	s.Metrics.setWorkerCounts(counts)
	s.Metrics.setPendingOrders(len(s.pending))
	s.Metrics.setGeneration(s.generation)
}

// reply, replyWithPayload and replyError all send a request's FINAL answer, so they go through
// deliverAnswer to preserve per-client ordering. The one exception is the interim "processing"
// notice a fanned-out request gets when it's accepted (see sendInterim): that message isn't the
// answer for its request id, so it bypasses the queue entirely.
func (s *Server) reply(c *clientConn, id string, status Status, message string, worker map[uint32]string) {
	s.deliverAnswer(c, &ConfigMessageAnswer{ID: id, Status: status, Message: message, WorkerOutcomes: worker})
}

func (s *Server) replyWithPayload(c *clientConn, id string, status Status, message string, payload json.RawMessage) {
	s.deliverAnswer(c, &ConfigMessageAnswer{ID: id, Status: status, Message: message, Payload: payload})
}

func (s *Server) replyError(c *clientConn, id string, err error) {
	s.deliverAnswer(c, &ConfigMessageAnswer{ID: id, Status: StatusError, Message: err.Error()})
}

// acceptRequest records msg.ID's place in c's request order. Call this once, as early as
// dispatch can, for every message a client sends — including ones answered immediately — so a
// slow fanned-out request can never be overtaken by a faster one accepted after it.
func (s *Server) acceptRequest(c *clientConn, id string) {
	c.order = append(c.order, id)
}

// sendInterim sends a non-final status notice directly, skipping the per-client answer queue:
// it isn't the answer for id, so id stays at its place in c.order until deliverAnswer eventually
// produces the real one.
func (s *Server) sendInterim(c *clientConn, id string, status Status) {
	s.send(c, &ConfigMessageAnswer{ID: id, Status: status})
}

// deliverAnswer records answer as the final reply for its request id and flushes whatever
// prefix of c.order is now resolvable, so answers reach the client in the order their requests
// were accepted even when the aggregations that produce them finish out of order.
func (s *Server) deliverAnswer(c *clientConn, answer *ConfigMessageAnswer) {
	if c.done == nil {
		c.done = make(map[string]*ConfigMessageAnswer)
	}
	c.done[answer.ID] = answer

	for len(c.order) > 0 {
		ready, ok := c.done[c.order[0]]
		if !ok {
			return
		}
		s.send(c, ready)
		delete(c.done, c.order[0])
		c.order = c.order[1:]
	}
}

func (s *Server) send(c *clientConn, answer *ConfigMessageAnswer) {
	if err := c.ch.WriteMessage(answer); err != nil {
		s.Log.Warnf("client %d: could not send reply %v: %v", c.id, answer.ID, err)
	}
}

func mustID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "unknown"
	}
	return id
}
