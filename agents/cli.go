package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/broker"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bt-bridge/realtime-console/tools"
	"github.com/goccy/go-yaml"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const helpText = `/start            start a session
/stop             stop the session
/topic <name>     switch instruction
/event <json>     send a raw client event
/events           print the event log, newest first
/status           print the session state
/quit             exit
anything else is sent as a user message`

// CLIConfig is everything the console needs besides its terminal.
type CLIConfig struct {
	BrokerURL string
	Session   realtime.Config

	MicSampleRate     int
	MicChannels       int
	SpeakerBufferMs   int
	RingBufferSeconds int
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		BrokerURL:         "http://localhost:3000/token",
		Session:           realtime.DefaultConfig(),
		MicSampleRate:     48000,
		MicChannels:       1,
		SpeakerBufferMs:   100,
		RingBufferSeconds: 2,
	}
}

// sessionControl is the part of realtime.Session the console drives.
type sessionControl interface {
	Start(ctx context.Context) error
	Stop()
	SendEvent(e *realtime.Event) error
	SendText(text string) error
	SetInstruction(name string) error
	Snapshot() realtime.Snapshot
	Close()
}

// CLIAgent is the terminal front end of a session. It renders every change
// the session reports and turns input lines into session operations.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session sessionControl

	// state is the last reported session state; touched only by observer
	// callbacks, which all run on the session loop.
	state realtime.State

	done chan struct{}
	once sync.Once
}

var _ realtime.Observer = (*CLIAgent)(nil)

func newCLIAgent(logger shared.LoggerAdapter, printer *shared.Printer) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &CLIAgent{
		logger:  logger.With(zap.String("component", "agent")),
		printer: printer,
		done:    make(chan struct{}),
	}, nil
}

// Spawn wires the broker client, local audio and the WebRTC client into a
// session and starts reading commands from in. The agent is done when in is
// exhausted, /quit is read, ctx ends or Close is called.
func Spawn(ctx context.Context, logger shared.LoggerAdapter, cfg CLIConfig, printer *shared.Printer, in io.Reader) (*CLIAgent, error) {
	a, err := newCLIAgent(logger, printer)
	if err != nil {
		return nil, err
	}
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	if err := a.printYAML("📋 Session Config", cfg.Session); err != nil {
		return nil, err
	}
	tokens, err := broker.NewClient(cfg.BrokerURL, &fasthttp.Client{})
	if err != nil {
		return nil, fmt.Errorf("creating broker client: %w", err)
	}
	mic, err := tools.NewMicrophone(a.logger, cfg.MicSampleRate, cfg.MicChannels)
	if err != nil {
		return nil, fmt.Errorf("creating microphone: %w", err)
	}
	speaker, err := tools.NewSpeaker(a.logger, cfg.SpeakerBufferMs, cfg.RingBufferSeconds)
	if err != nil {
		return nil, fmt.Errorf("creating speaker: %w", err)
	}
	client, err := realtime.NewClient(a.logger, cfg.Session, realtime.WithAudioSink(speaker))
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	session, err := realtime.NewSession(ctx, a.logger, cfg.Session, tokens, mic, client, a)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	a.attach(ctx, session, in)
	return a, nil
}

func (a *CLIAgent) attach(ctx context.Context, session sessionControl, in io.Reader) {
	a.session = session
	a.println("⌨️  Commands\n", 0)
	a.println(helpText+"\n", 1)
	go a.readInput(ctx, in)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.done:
		}
	}()
}

func (a *CLIAgent) readInput(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if quit := a.handleLine(ctx, scanner.Text()); quit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading input", err)
	}
	_ = a.Close()
}

// handleLine runs one input line and reports whether the agent should quit.
func (a *CLIAgent) handleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/start":
		go a.start(ctx)
	case "/stop":
		a.session.Stop()
	case "/topic":
		if arg == "" {
			a.println("usage: /topic <name>", 1)
			return false
		}
		a.report("switching instruction", a.session.SetInstruction(arg))
	case "/event":
		event, err := realtime.ParseEvent([]byte(arg))
		if err != nil {
			a.report("parsing event", err)
			return false
		}
		a.report("sending event", a.session.SendEvent(event))
	case "/events":
		a.printEvents(a.session.Snapshot().Events)
	case "/status":
		a.printStatus(a.session.Snapshot())
	case "/help":
		a.println(helpText, 1)
	case "/quit":
		return true
	default:
		a.report("sending message", a.session.SendText(line))
	}
	return false
}

func (a *CLIAgent) start(ctx context.Context) {
	a.println("🎤 Starting session...", 0)
	if err := a.session.Start(ctx); err != nil {
		a.logger.Error("starting session", err)
		switch {
		case errors.Is(err, shared.ErrMediaAcquisition):
			a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.", 1)
		case errors.Is(err, shared.ErrSessionStopped):
			a.println("⏹️  Start cancelled.", 1)
		default:
			a.println("❌ "+err.Error(), 1)
		}
		return
	}
	a.println("✅ Session started.", 1)
}

func (a *CLIAgent) report(action string, err error) {
	if err == nil {
		return
	}
	a.logger.Error(action, err)
	a.println("❌ "+action+": "+err.Error(), 1)
}

const (
	toolPanelInactive = "🧰 Start the session to use this tool..."
	toolPanelWaiting  = "🧰 Waiting for a function call from the assistant..."
)

func (a *CLIAgent) StateChanged(state realtime.State) {
	a.state = state
	a.println("● state: "+state.String(), 0)
	if state == realtime.StateActive {
		a.println(toolPanelWaiting, 0)
	}
}

func (a *CLIAgent) EventLogged(event *realtime.Event) {
	a.println("📨 "+string(event.Type), 0)
}

func (a *CLIAgent) InstructionChanged(name, text string) {
	a.println("📚 instruction: "+name, 0)
	a.println(text, 1)
}

func (a *CLIAgent) FunctionCalled(call *realtime.FunctionCall) {
	if call == nil {
		if a.state == realtime.StateActive {
			a.println(toolPanelWaiting, 0)
		} else {
			a.println(toolPanelInactive, 0)
		}
		return
	}
	a.println("🧰 function call: "+call.Name, 0)
	if call.Arguments != "" {
		a.println(call.Arguments, 1)
	}
}

func (a *CLIAgent) Diagnostic(err error) {
	a.println("⚠️  "+err.Error(), 0)
}

func (a *CLIAgent) printEvents(events []*realtime.Event) {
	if len(events) == 0 {
		a.println("(no events)", 1)
		return
	}
	for _, event := range events {
		if err := a.printYAML("📨 "+string(event.Type), event); err != nil {
			a.logger.Error("printing event", err)
		}
	}
}

func (a *CLIAgent) printStatus(snap realtime.Snapshot) {
	a.println("● state: "+snap.State.String(), 0)
	a.println("instruction: "+snap.Instruction, 1)
	a.println(fmt.Sprintf("events: %d", len(snap.Events)), 1)
	if snap.FunctionCall != nil {
		a.println("last function call: "+snap.FunctionCall.Name, 1)
	}
}

func (a *CLIAgent) printYAML(title string, v any) error {
	yamlBytes, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s to yaml: %w", title, err)
	}
	a.println(title, 0)
	a.println(strings.TrimRight(string(yamlBytes), "\n"), 1)
	return nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close tears the session down and stops its loop. An in-flight /start
// returns once the loop is gone.
func (a *CLIAgent) Close() error {
	a.once.Do(func() {
		a.logger.Info("closing CLI agent")
		if a.session != nil {
			a.session.Close()
		}
		close(a.done)
	})
	return nil
}
