package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"go.uber.org/zap"
)

// Snapshot is a copy of the presentation-facing session state.
type Snapshot struct {
	State           State
	Events          []*Event // newest first
	Instruction     string
	InstructionText string
	FunctionCall    *FunctionCall
}

// attempt is one Start call, from Begin until teardown.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan error

	conn   Conn
	mic    AudioSource
	opened bool
	early  [][]byte
}

// Session runs a Machine on a single loop goroutine. Operations are posted to
// the loop and processed one at a time in arrival order, as are channel
// callbacks, so the Machine never sees two handlers at once.
type Session struct {
	logger  shared.LoggerAdapter
	broker  Broker
	media   Media
	dialer  Dialer
	machine *Machine

	inbox chan func()
	done  chan struct{}
	stop  context.CancelFunc

	// owned by the loop
	pending *attempt
	active  *attempt
}

const inboxSize = 64

func NewSession(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg Config,
	broker Broker,
	media Media,
	dialer Dialer,
	observer Observer,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if broker == nil {
		return nil, shared.ErrNoBroker
	}
	if media == nil {
		return nil, shared.ErrNoMedia
	}
	if dialer == nil {
		return nil, shared.ErrNoDialer
	}
	s := &Session{
		logger: logger,
		broker: broker,
		media:  media,
		dialer: dialer,
		inbox:  make(chan func(), inboxSize),
		done:   make(chan struct{}),
	}
	var err error
	s.machine, err = NewMachine(logger, cfg, observer, s.schedule)
	if err != nil {
		return nil, fmt.Errorf("creating state machine: %w", err)
	}
	ctx, s.stop = context.WithCancel(ctx)
	go s.run(ctx)
	return s, nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

// post queues fn on the loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(finished) }:
	case <-s.done:
		return shared.ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return shared.ErrSessionClosed
	}
}

func (s *Session) schedule(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() { s.post(fn) })
}

// Start obtains a credential, acquires the microphone and negotiates the
// connection, then waits for the event channel to open. Failures wrap
// ErrCredential, ErrMediaAcquisition or ErrNegotiation. If Stop is called
// meanwhile, whatever negotiation produced is released and ErrSessionStopped
// is returned.
func (s *Session) Start(ctx context.Context) error {
	var a *attempt
	var beginErr error
	if err := s.do(func() {
		if beginErr = s.machine.Begin(); beginErr != nil {
			return
		}
		a = &attempt{ready: make(chan error, 1)}
		a.ctx, a.cancel = context.WithCancel(ctx)
		s.pending = a
	}); err != nil {
		return err
	}
	if beginErr != nil {
		return beginErr
	}
	s.logger.Info("starting session")

	secret, err := s.broker.Secret(a.ctx)
	if err == nil && secret == "" {
		err = errors.New("broker returned an empty secret")
	}
	if err != nil {
		return s.abort(a, classify(shared.ErrCredential, err))
	}
	s.logger.Debug("credential obtained")

	mic, err := s.media.Acquire(a.ctx)
	if err != nil {
		return s.abort(a, classify(shared.ErrMediaAcquisition, err))
	}
	s.logger.Debug("microphone acquired")

	conn, err := s.dialer.Dial(a.ctx, secret, mic, &attemptHandler{s: s, a: a})
	if err != nil {
		s.release(nil, mic)
		return s.abort(a, classify(shared.ErrNegotiation, err))
	}
	s.logger.Debug("negotiation complete")

	stale := false
	if err := s.do(func() {
		if s.pending != a {
			stale = true
			return
		}
		a.conn, a.mic = conn, mic
		s.tryActivate(a)
	}); err != nil || stale {
		s.release(conn, mic)
		if err != nil {
			return err
		}
		return shared.ErrSessionStopped
	}

	select {
	case err := <-a.ready:
		return err
	case <-ctx.Done():
		return s.abort(a, ctx.Err())
	case <-s.done:
		return shared.ErrSessionClosed
	}
}

func classify(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// abort ends a failed attempt unless Stop already did.
func (s *Session) abort(a *attempt, err error) error {
	stale := false
	if doErr := s.do(func() {
		if s.pending != a && s.active != a {
			stale = true
			return
		}
		s.machine.report("starting session", err)
		s.teardown()
	}); doErr != nil {
		return doErr
	}
	if stale {
		return shared.ErrSessionStopped
	}
	return err
}

// tryActivate runs once the connection is registered and the channel is open.
func (s *Session) tryActivate(a *attempt) {
	if a.conn == nil || !a.opened {
		return
	}
	s.pending, s.active = nil, a
	if err := s.machine.Activate(a.conn); err != nil && s.machine.State() != StateActive {
		a.ready <- err
		s.teardown()
		return
	}
	early := a.early
	a.early = nil
	for _, data := range early {
		_ = s.machine.HandleMessage(data)
	}
	s.logger.Info("session active")
	a.ready <- nil
}

// teardown releases every attempt and returns the machine to idle.
func (s *Session) teardown() {
	for _, a := range []*attempt{s.pending, s.active} {
		if a == nil {
			continue
		}
		a.cancel()
		s.release(a.conn, a.mic)
		select {
		case a.ready <- shared.ErrSessionStopped:
		default:
		}
	}
	s.pending, s.active = nil, nil
	s.machine.End()
}

func (s *Session) release(conn Conn, mic AudioSource) {
	if mic != nil {
		if err := mic.Stop(); err != nil {
			s.logger.Error("stopping microphone", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Error("closing connection", err)
		}
	}
}

// Stop tears the session down. It is safe to call at any time, any number of
// times, including while Start is negotiating.
func (s *Session) Stop() {
	if err := s.do(s.teardown); err != nil {
		s.logger.Debug("stop after close", zap.Error(err))
		return
	}
	s.logger.Info("session stopped")
}

func (s *Session) SendEvent(e *Event) error {
	var err error
	if doErr := s.do(func() { err = s.machine.SendEvent(e) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) SendText(text string) error {
	var err error
	if doErr := s.do(func() { err = s.machine.SendText(text) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) SetInstruction(name string) error {
	var err error
	if doErr := s.do(func() { err = s.machine.SetInstruction(name) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.do(func() {
		snap.State = s.machine.State()
		snap.Events = s.machine.Events()
		snap.Instruction, snap.InstructionText = s.machine.Instruction()
		snap.FunctionCall = s.machine.FunctionCallOutput()
	})
	return snap
}

// Close stops the session and its loop.
func (s *Session) Close() {
	s.stop()
	<-s.done
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

type attemptHandler struct {
	s *Session
	a *attempt
}

var _ Handler = (*attemptHandler)(nil)

func (h *attemptHandler) HandleOpen() {
	h.s.post(func() {
		if h.s.pending != h.a {
			return
		}
		h.a.opened = true
		h.s.tryActivate(h.a)
	})
}

func (h *attemptHandler) HandleMessage(data []byte) {
	data = append([]byte(nil), data...)
	h.s.post(func() {
		switch {
		case h.s.active == h.a:
			_ = h.s.machine.HandleMessage(data)
		case h.s.pending == h.a:
			h.a.early = append(h.a.early, data)
		default:
			h.s.logger.Debug("discarding message of an ended session")
		}
	})
}

func (h *attemptHandler) HandleClose(err error) {
	h.s.post(func() {
		if h.s.pending != h.a && h.s.active != h.a {
			return
		}
		if h.s.pending == h.a {
			closeErr := fmt.Errorf("%w: event channel closed before opening", shared.ErrNegotiation)
			if err != nil {
				closeErr = fmt.Errorf("%w: %w", closeErr, err)
			}
			select {
			case h.a.ready <- closeErr:
			default:
			}
		}
		if err != nil {
			h.s.machine.report("connection closed", err)
		} else {
			h.s.logger.Info("event channel closed")
		}
		h.s.teardown()
	})
}
