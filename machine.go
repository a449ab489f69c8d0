package realtime

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is the open event channel of an active session.
type Channel interface {
	Send(data []byte) error
	Open() bool
}

// Observer is told about every change a Machine makes. Calls happen on the
// goroutine driving the Machine and must not call back into it.
type Observer interface {
	StateChanged(state State)
	EventLogged(event *Event)
	InstructionChanged(name, text string)
	// FunctionCalled receives nil when the output is cleared.
	FunctionCalled(call *FunctionCall)
	Diagnostic(err error)
}

type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) StateChanged(State)                {}
func (NopObserver) EventLogged(*Event)                {}
func (NopObserver) InstructionChanged(string, string) {}
func (NopObserver) FunctionCalled(*FunctionCall)      {}
func (NopObserver) Diagnostic(error)                  {}

// Scheduler runs fn after delay on the goroutine driving the Machine.
type Scheduler func(delay time.Duration, fn func())

// Machine is the session state machine: Idle -> Negotiating -> Active -> Idle.
// It is not safe for concurrent use; Session drives it from a single loop.
type Machine struct {
	cfg      Config
	logger   shared.LoggerAdapter
	observer Observer
	schedule Scheduler

	state State
	ch    Channel
	// epoch changes whenever a session begins or ends so that deferred work
	// can tell whether its session is still the current one.
	epoch uint64

	events      []*Event // oldest first
	instruction string
	registered  bool
	lastCall    *FunctionCall
}

// NewMachine validates cfg and keeps a private copy of it. A nil observer
// discards notifications; a nil scheduler runs follow-ups immediately.
func NewMachine(logger shared.LoggerAdapter, cfg Config, observer Observer, schedule Scheduler) (*Machine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if observer == nil {
		observer = NopObserver{}
	}
	cfg = cfg.clone()
	return &Machine{
		cfg:         cfg,
		logger:      logger,
		observer:    observer,
		schedule:    schedule,
		instruction: cfg.DefaultInstruction,
	}, nil
}

func (m *Machine) State() State {
	return m.state
}

// Events returns a copy of the event log, newest first.
func (m *Machine) Events() []*Event {
	out := make([]*Event, 0, len(m.events))
	for _, e := range slices.Backward(m.events) {
		out = append(out, e.Clone())
	}
	return out
}

func (m *Machine) Instruction() (name, text string) {
	return m.instruction, m.cfg.Instructions[m.instruction]
}

func (m *Machine) FunctionCallOutput() *FunctionCall {
	if m.lastCall == nil {
		return nil
	}
	return m.lastCall.Clone()
}

func (m *Machine) Config() Config {
	return m.cfg.clone()
}

// Begin moves an idle machine into negotiation.
func (m *Machine) Begin() error {
	if m.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	m.epoch++
	m.setState(StateNegotiating)
	return nil
}

// Activate attaches the open event channel, clears the log and sends the
// initial configuration update.
func (m *Machine) Activate(ch Channel) error {
	if m.state != StateNegotiating {
		return fmt.Errorf("activating in state %s: %w", m.state, shared.ErrSessionNotActive)
	}
	if ch == nil {
		return errors.New("channel is required")
	}
	m.ch = ch
	m.events = nil
	m.registered = false
	m.lastCall = nil
	m.instruction = m.cfg.DefaultInstruction
	m.setState(StateActive)
	return m.SendInstructionUpdate()
}

// End detaches the channel and resets instruction state. It is a no-op on an
// idle machine. The event log is kept for display until the next Activate.
// Observers see the idle state before the resets.
func (m *Machine) End() {
	if m.state == StateIdle {
		return
	}
	m.epoch++
	m.ch = nil
	m.registered = false
	m.setState(StateIdle)
	if m.lastCall != nil {
		m.lastCall = nil
		m.observer.FunctionCalled(nil)
	}
	if m.instruction != m.cfg.DefaultInstruction {
		m.instruction = m.cfg.DefaultInstruction
		m.observer.InstructionChanged(m.instruction, m.cfg.Instructions[m.instruction])
	}
}

func (m *Machine) setState(state State) {
	m.logger.Debug(
		"session state changed",
		zap.Stringer("prev", m.state),
		zap.Stringer("new", state),
	)
	m.state = state
	m.observer.StateChanged(state)
}

// SendEvent transmits e and adds it to the log. Events without an id get one.
// Nothing is queued: when the session is not active or the channel is not
// open the event is dropped and the error reported.
func (m *Machine) SendEvent(e *Event) error {
	if m.state != StateActive {
		err := fmt.Errorf("%w: dropping %s event", shared.ErrSessionNotActive, e.Type)
		m.report("sending event", err)
		return err
	}
	e = e.WithId()
	if err := m.transmit(e); err != nil {
		return err
	}
	m.events = append(m.events, e)
	m.observer.EventLogged(e.Clone())
	return nil
}

// SendText sends a user text message followed by a response request.
func (m *Machine) SendText(text string) error {
	item := NewEvent(EventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{
				map[string]any{"type": "input_text", "text": text},
			},
		},
	})
	if err := m.SendEvent(item); err != nil {
		return err
	}
	return m.SendEvent(NewEvent(EventTypeResponseCreate, nil))
}

// SendInstructionUpdate transmits the full session configuration with the
// current instruction. Configuration updates are not added to the log.
func (m *Machine) SendInstructionUpdate() error {
	if m.state != StateActive {
		err := fmt.Errorf("%w: dropping instruction update", shared.ErrSessionNotActive)
		m.report("sending instruction update", err)
		return err
	}
	name, text := m.Instruction()
	if err := m.transmit(m.cfg.sessionUpdate(text).WithId()); err != nil {
		return err
	}
	m.logger.Info("instruction update sent", zap.String("instruction", name))
	return nil
}

// SetInstruction switches to a named instruction by hand.
func (m *Machine) SetInstruction(name string) error {
	if m.state != StateActive {
		err := fmt.Errorf("%w: cannot set instruction %q", shared.ErrSessionNotActive, name)
		m.report("setting instruction", err)
		return err
	}
	if _, ok := m.cfg.Instruction(name); !ok {
		return fmt.Errorf("%w: %q", shared.ErrUnknownInstruction, name)
	}
	return m.setInstruction(name)
}

func (m *Machine) setInstruction(name string) error {
	m.instruction = name
	m.observer.InstructionChanged(name, m.cfg.Instructions[name])
	return m.SendInstructionUpdate()
}

// HandleMessage parses one inbound frame and dispatches it. A frame that
// does not parse is reported and discarded.
func (m *Machine) HandleMessage(data []byte) error {
	e, err := ParseEvent(data)
	if err != nil {
		m.report("parsing inbound message", err, zap.ByteString("data", data))
		return err
	}
	return m.OnRemoteEvent(e)
}

// OnRemoteEvent reacts to an inbound event. Topic changes and recognized
// function calls switch the instruction; everything else goes to the log.
func (m *Machine) OnRemoteEvent(e *Event) error {
	if m.state != StateActive {
		err := fmt.Errorf("%w: ignoring inbound %s event", shared.ErrSessionNotActive, e.Type)
		m.logger.Warn("inbound event outside an active session", zap.String("type", string(e.Type)))
		return err
	}
	e = e.Clone()
	m.logger.Trace(
		"received event",
		zap.String("type", string(e.Type)),
		zap.String("event_id", e.EventId),
	)
	switch e.Type {
	case EventTypeUpdateTopic:
		return m.onUpdateTopic(e)
	case EventTypeResponseDone:
		if handled, err := m.onFunctionCalls(e); handled {
			return err
		}
	}
	m.events = append(m.events, e)
	m.observer.EventLogged(e.Clone())
	if e.Type == EventTypeSessionCreated && !m.registered {
		m.registered = true
		return m.SendEvent(m.cfg.registration())
	}
	return nil
}

func (m *Machine) onUpdateTopic(e *Event) error {
	topic := e.String("topic")
	name := topic
	if _, ok := m.cfg.Instruction(topic); !ok {
		m.logger.Warn("unknown topic, using default instruction", zap.String("topic", topic))
		name = m.cfg.DefaultInstruction
	}
	return m.setInstruction(name)
}

func (m *Machine) onFunctionCalls(e *Event) (handled bool, err error) {
	var errs []error
	for _, call := range e.FunctionCalls() {
		name, ok := m.cfg.ToolInstruction(call.Name)
		if !ok {
			m.logger.Debug("unrecognized function call", zap.String("name", call.Name))
			continue
		}
		handled = true
		m.lastCall = &call
		m.observer.FunctionCalled(call.Clone())
		if err := m.setInstruction(name); err != nil {
			errs = append(errs, err)
		}
	}
	if handled {
		m.scheduleFollowUp()
	}
	return handled, errors.Join(errs...)
}

func (m *Machine) scheduleFollowUp() {
	if m.cfg.FollowUpInstructions == "" {
		return
	}
	epoch := m.epoch
	followUp := func() {
		if m.epoch != epoch || m.state != StateActive {
			m.logger.Debug("discarding follow-up of an ended session")
			return
		}
		_ = m.SendEvent(NewEvent(EventTypeResponseCreate, map[string]any{
			"response": map[string]any{"instructions": m.cfg.FollowUpInstructions},
		}))
	}
	if m.schedule == nil {
		followUp()
		return
	}
	m.schedule(m.cfg.FollowUpDelay(), followUp)
}

// transmit writes e to the channel without logging it.
func (m *Machine) transmit(e *Event) error {
	if m.ch == nil || !m.ch.Open() {
		err := fmt.Errorf("%w: dropping %s event", shared.ErrChannelNotOpen, e.Type)
		m.report("sending event", err)
		return err
	}
	data, err := e.MarshalJSON()
	if err != nil {
		err = fmt.Errorf("marshaling %s event: %w", e.Type, err)
		m.report("sending event", err)
		return err
	}
	if err := m.ch.Send(data); err != nil {
		err = fmt.Errorf("sending %s event: %w", e.Type, err)
		m.report("sending event", err)
		return err
	}
	return nil
}

func (m *Machine) report(msg string, err error, fields ...zap.Field) {
	m.logger.Error(msg, err, fields...)
	m.observer.Diagnostic(err)
}
