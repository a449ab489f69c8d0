package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

// fakeChannel records every frame sent on it.
type fakeChannel struct {
	mu     sync.Mutex
	closed bool
	fail   error
	sent   [][]byte
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, data := range c.sent {
		var m map[string]any
		if err := sonic.Unmarshal(data, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

// sessionUpdates returns the session objects of every session.update sent.
func (c *fakeChannel) sessionUpdates() []map[string]any {
	var out []map[string]any
	for _, f := range c.frames() {
		if f["type"] == string(EventTypeSessionUpdate) {
			out = append(out, f["session"].(map[string]any))
		}
	}
	return out
}

func (c *fakeChannel) framesOfType(t EventType) int {
	n := 0
	for _, f := range c.frames() {
		if f["type"] == string(t) {
			n++
		}
	}
	return n
}

func toolRegistrations(updates []map[string]any) int {
	n := 0
	for _, u := range updates {
		if _, ok := u["tools"]; ok {
			n++
		}
	}
	return n
}

func instructionUpdates(updates []map[string]any) []string {
	var out []string
	for _, u := range updates {
		if text, ok := u["instructions"].(string); ok {
			out = append(out, text)
		}
	}
	return out
}

// recordingObserver remembers what the machine told it.
type recordingObserver struct {
	mu           sync.Mutex
	states       []State
	logged       []*Event
	instructions []string
	calls        []*FunctionCall
	diagnostics  []error

	onCall func(*FunctionCall)
}

func (o *recordingObserver) StateChanged(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) EventLogged(e *Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logged = append(o.logged, e)
}

func (o *recordingObserver) InstructionChanged(name, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instructions = append(o.instructions, name)
}

func (o *recordingObserver) FunctionCalled(call *FunctionCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
	if o.onCall != nil {
		o.onCall(call)
	}
}

func (o *recordingObserver) Diagnostic(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.diagnostics = append(o.diagnostics, err)
}

func (o *recordingObserver) diagnosticCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.diagnostics)
}

// manualScheduler holds scheduled work until run is called.
type manualScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (s *manualScheduler) schedule(delay time.Duration, fn func()) {
	s.delays = append(s.delays, delay)
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) run() {
	fns := s.fns
	s.fns = nil
	for _, fn := range fns {
		fn()
	}
}

type fakeBroker struct {
	secret string
	err    error
	block  bool
	calls  int
	mu     sync.Mutex
}

func (b *fakeBroker) Secret(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return b.secret, b.err
}

type fakeMic struct {
	mu      sync.Mutex
	stopped int
}

func (m *fakeMic) Stream(ctx context.Context, _ *webrtc.TrackLocalStaticSample) {
	<-ctx.Done()
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

func (m *fakeMic) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeMedia struct {
	mic *fakeMic
	err error
}

func (m *fakeMedia) Acquire(context.Context) (AudioSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.mic, nil
}

// fakeDialer hands out fakeChannel connections. With openOnDial the channel
// reports open before Dial returns; gate, when set, holds Dial until closed.
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	openOnDial bool
	gate       chan struct{}
	entered    chan struct{}
	secrets    []string
	conn       *fakeChannel
	handler    Handler
}

func (d *fakeDialer) Dial(ctx context.Context, secret string, _ AudioSource, h Handler) (Conn, error) {
	if d.entered != nil {
		close(d.entered)
	}
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets = append(d.secrets, secret)
	if d.err != nil {
		return nil, d.err
	}
	d.conn = new(fakeChannel)
	d.handler = h
	if d.openOnDial {
		h.HandleOpen()
	}
	return d.conn, nil
}

func (d *fakeDialer) current() (*fakeChannel, Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn, d.handler
}

var errBoom = errors.New("boom")
