package realtime

import (
	"testing"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newActiveMachine(t *testing.T) (*Machine, *fakeChannel, *recordingObserver, *manualScheduler) {
	t.Helper()
	obs := new(recordingObserver)
	sched := new(manualScheduler)
	m, err := NewMachine(shared.NewNopLogger(), DefaultConfig(), obs, sched.schedule)
	require.NoError(t, err)
	ch := new(fakeChannel)
	require.NoError(t, m.Begin())
	require.NoError(t, m.Activate(ch))
	return m, ch, obs, sched
}

func instruction(name string) string {
	return DefaultConfig().Instructions[name]
}

func TestNewMachineRequiresLoggerAndValidConfig(t *testing.T) {
	_, err := NewMachine(nil, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	cfg := DefaultConfig()
	cfg.Model = ""
	_, err = NewMachine(shared.NewNopLogger(), cfg, nil, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)
}

func TestMachineTransitions(t *testing.T) {
	obs := new(recordingObserver)
	m, err := NewMachine(shared.NewNopLogger(), DefaultConfig(), obs, nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, m.State())

	assert.Error(t, m.Activate(new(fakeChannel)), "activation needs negotiation first")

	require.NoError(t, m.Begin())
	assert.ErrorIs(t, m.Begin(), shared.ErrSessionAlreadyRunning)
	require.NoError(t, m.Activate(new(fakeChannel)))
	assert.Equal(t, StateActive, m.State())

	m.End()
	m.End()
	assert.Equal(t, []State{StateNegotiating, StateActive, StateIdle}, obs.states)
}

func TestActivationSendsOneInstructionUpdateAndLeavesLogEmpty(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)

	assert.Empty(t, m.Events())
	updates := ch.sessionUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, instruction(InstructionDefault), updates[0]["instructions"])
	assert.Equal(t, "realtime", updates[0]["type"])
	assert.Equal(t, []any{"audio"}, updates[0]["output_modalities"])
	input := updates[0]["audio"].(map[string]any)["input"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "server_vad"}, input["turn_detection"])
	assert.Equal(t, "audio/pcm", input["format"].(map[string]any)["type"])
	assert.NotContains(t, updates[0], "tools")
	assert.NotEmpty(t, ch.frames()[0]["event_id"])
}

func TestSendEventAssignsIdAndLogsNewestFirst(t *testing.T) {
	m, ch, obs, _ := newActiveMachine(t)

	require.NoError(t, m.SendEvent(NewEvent(EventTypeResponseCreate, nil)))
	require.NoError(t, m.SendEvent(&Event{EventId: "mine", Type: EventTypeInputAudioBufferClear}))

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeInputAudioBufferClear, events[0].Type)
	assert.Equal(t, "mine", events[0].EventId)
	assert.Equal(t, EventTypeResponseCreate, events[1].Type)
	assert.NotEmpty(t, events[1].EventId)
	assert.Len(t, obs.logged, 2)

	frames := ch.frames()
	assert.Equal(t, events[1].EventId, frames[1]["event_id"])
	assert.Equal(t, "mine", frames[2]["event_id"])
}

func TestSendEventWhileInactiveIsDropped(t *testing.T) {
	obs := new(recordingObserver)
	m, err := NewMachine(shared.NewNopLogger(), DefaultConfig(), obs, nil)
	require.NoError(t, err)

	err = m.SendEvent(NewEvent(EventTypeResponseCreate, nil))
	assert.ErrorIs(t, err, shared.ErrSessionNotActive)
	assert.Empty(t, m.Events())
	assert.Equal(t, 1, obs.diagnosticCount())
}

func TestSendEventOnClosedChannelIsDropped(t *testing.T) {
	m, ch, obs, _ := newActiveMachine(t)
	require.NoError(t, ch.Close())
	before := len(ch.frames())

	err := m.SendEvent(NewEvent(EventTypeResponseCreate, nil))
	assert.ErrorIs(t, err, shared.ErrChannelNotOpen)
	assert.Empty(t, m.Events())
	assert.Len(t, ch.frames(), before)
	assert.Equal(t, 1, obs.diagnosticCount())
}

func TestSendEventTransportFailure(t *testing.T) {
	m, ch, obs, _ := newActiveMachine(t)
	ch.fail = errBoom

	err := m.SendEvent(NewEvent(EventTypeResponseCreate, nil))
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, m.Events())
	assert.Equal(t, 1, obs.diagnosticCount())
}

func TestSessionCreatedRegistersToolsOnce(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)

	for range 3 {
		require.NoError(t, m.HandleMessage([]byte(`{"type":"session.created","session":{}}`)))
	}

	updates := ch.sessionUpdates()
	assert.Equal(t, 1, toolRegistrations(updates))
	var tools map[string]any
	for _, u := range updates {
		if _, ok := u["tools"]; ok {
			tools = u
		}
	}
	assert.Equal(t, "auto", tools["tool_choice"])
	assert.Len(t, tools["tools"], 2)

	events := m.Events()
	require.Len(t, events, 4)
	assert.Equal(t, EventTypeSessionCreated, events[len(events)-1].Type)
	assert.Equal(t, EventTypeSessionUpdate, events[len(events)-2].Type)
}

func TestRegistrationResetsPerSession(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)
	require.NoError(t, m.HandleMessage([]byte(`{"type":"session.created"}`)))
	m.End()

	ch2 := new(fakeChannel)
	require.NoError(t, m.Begin())
	require.NoError(t, m.Activate(ch2))
	assert.Empty(t, m.Events())
	require.NoError(t, m.HandleMessage([]byte(`{"type":"session.created"}`)))

	assert.Equal(t, 1, toolRegistrations(ch.sessionUpdates()))
	assert.Equal(t, 1, toolRegistrations(ch2.sessionUpdates()))
}

func TestUpdateTopic(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		expected string
	}{
		{name: "Known topic", topic: InstructionCounting, expected: InstructionCounting},
		{name: "Another known topic", topic: InstructionIntroduction, expected: InstructionIntroduction},
		{name: "Unknown topic falls back", topic: "geography", expected: InstructionDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ch, obs, _ := newActiveMachine(t)
			require.NoError(t, m.HandleMessage([]byte(`{"type":"update_topic","topic":"`+tt.topic+`"}`)))

			name, text := m.Instruction()
			assert.Equal(t, tt.expected, name)
			assert.Equal(t, instruction(tt.expected), text)
			assert.Equal(t, []string{instruction(InstructionDefault), instruction(tt.expected)}, instructionUpdates(ch.sessionUpdates()))
			assert.Equal(t, []string{tt.expected}, obs.instructions)
			assert.Empty(t, m.Events(), "topic changes are not logged")
		})
	}
}

func TestRecognizedFunctionCall(t *testing.T) {
	m, ch, obs, sched := newActiveMachine(t)

	msg := `{"type":"response.done","response":{"output":[{"type":"function_call","name":"teach_alphabet_in_spanish","call_id":"c1","arguments":"{}"}]}}`
	require.NoError(t, m.HandleMessage([]byte(msg)))

	name, _ := m.Instruction()
	assert.Equal(t, InstructionAlphabet, name)
	assert.Equal(t, []string{instruction(InstructionDefault), instruction(InstructionAlphabet)}, instructionUpdates(ch.sessionUpdates()))
	require.NotNil(t, m.FunctionCallOutput())
	assert.Equal(t, "teach_alphabet_in_spanish", m.FunctionCallOutput().Name)
	assert.Len(t, obs.calls, 1)
	assert.Empty(t, m.Events())

	require.Len(t, sched.delays, 1)
	assert.Equal(t, DefaultConfig().FollowUpDelay(), sched.delays[0])
	assert.Equal(t, 0, ch.framesOfType(EventTypeResponseCreate))
	sched.run()
	assert.Equal(t, 1, ch.framesOfType(EventTypeResponseCreate))
	events := m.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeResponseCreate, events[0].Type)
}

func TestOutputFunctionCallShape(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)

	require.NoError(t, m.HandleMessage([]byte(`{"type":"response.done","output":{"function_call":{"name":"teach_counting_in_spanish"}}}`)))
	name, _ := m.Instruction()
	assert.Equal(t, InstructionCounting, name)
	assert.Len(t, ch.sessionUpdates(), 2)
}

func TestUnrecognizedFunctionCallIsLogged(t *testing.T) {
	m, ch, _, sched := newActiveMachine(t)

	require.NoError(t, m.HandleMessage([]byte(`{"type":"response.done","response":{"output":[{"type":"function_call","name":"save_user_data"}]}}`)))
	name, _ := m.Instruction()
	assert.Equal(t, InstructionDefault, name)
	assert.Len(t, ch.sessionUpdates(), 1)
	assert.Nil(t, m.FunctionCallOutput())
	assert.Empty(t, sched.fns)
	require.Len(t, m.Events(), 1)
	assert.Equal(t, EventTypeResponseDone, m.Events()[0].Type)
}

func TestFollowUpDiscardedAfterEnd(t *testing.T) {
	m, ch, _, sched := newActiveMachine(t)
	require.NoError(t, m.HandleMessage([]byte(`{"type":"response.done","output":{"function_call":{"name":"teach_counting_in_spanish"}}}`)))
	m.End()
	require.NoError(t, m.Begin())
	require.NoError(t, m.Activate(ch))

	sched.run()
	assert.Equal(t, 0, ch.framesOfType(EventTypeResponseCreate))
}

func TestMalformedMessageLeavesStateUnchanged(t *testing.T) {
	m, ch, obs, _ := newActiveMachine(t)
	require.NoError(t, m.HandleMessage([]byte(`{"type":"update_topic","topic":"counting"}`)))
	require.NoError(t, m.HandleMessage([]byte(`{"type":"conversation.item.added","item":{}}`)))
	framesBefore := len(ch.frames())

	err := m.HandleMessage([]byte(`{"type": "update_topic", "topic": `))
	assert.ErrorIs(t, err, shared.ErrMalformedMessage)
	assert.Equal(t, 1, obs.diagnosticCount())
	assert.Len(t, m.Events(), 1)
	name, _ := m.Instruction()
	assert.Equal(t, InstructionCounting, name)
	assert.Len(t, ch.frames(), framesBefore)
	assert.Equal(t, StateActive, m.State())
}

func TestOtherEventsArePrepended(t *testing.T) {
	m, _, _, _ := newActiveMachine(t)
	for _, msg := range []string{
		`{"type":"input_audio_buffer.speech_started","event_id":"1"}`,
		`{"type":"response.created","event_id":"2"}`,
		`{"type":"response.done","event_id":"3","response":{"output":[]}}`,
	} {
		require.NoError(t, m.HandleMessage([]byte(msg)))
	}
	events := m.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "3", events[0].EventId)
	assert.Equal(t, "2", events[1].EventId)
	assert.Equal(t, "1", events[2].EventId)
}

func TestSetInstruction(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)

	assert.ErrorIs(t, m.SetInstruction("nope"), shared.ErrUnknownInstruction)
	assert.Len(t, ch.sessionUpdates(), 1)

	require.NoError(t, m.SetInstruction(InstructionIntroduction))
	assert.Equal(t, instruction(InstructionIntroduction), instructionUpdates(ch.sessionUpdates())[1])

	m.End()
	name, _ := m.Instruction()
	assert.Equal(t, InstructionDefault, name)
	assert.ErrorIs(t, m.SetInstruction(InstructionCounting), shared.ErrSessionNotActive)
}

func TestSendText(t *testing.T) {
	m, ch, _, _ := newActiveMachine(t)

	require.NoError(t, m.SendText("hola"))
	frames := ch.frames()
	require.Len(t, frames, 3)
	item := frames[1]["item"].(map[string]any)
	assert.Equal(t, "user", item["role"])
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "input_text", content["type"])
	assert.Equal(t, "hola", content["text"])
	assert.Equal(t, string(EventTypeResponseCreate), frames[2]["type"])

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeResponseCreate, events[0].Type)
}

func TestEndClearsFunctionCallOutputAndKeepsLog(t *testing.T) {
	m, _, obs, _ := newActiveMachine(t)
	require.NoError(t, m.HandleMessage([]byte(`{"type":"response.done","output":{"function_call":{"name":"teach_counting_in_spanish"}}}`)))
	require.NoError(t, m.HandleMessage([]byte(`{"type":"response.created"}`)))

	obs.onCall = func(call *FunctionCall) {
		if call == nil {
			assert.Equal(t, StateIdle, m.State(), "cleared output is reported after going idle")
		}
	}
	m.End()
	assert.Nil(t, m.FunctionCallOutput())
	require.Len(t, obs.calls, 2)
	assert.Nil(t, obs.calls[1])
	assert.Len(t, m.Events(), 1)
	assert.ErrorIs(t, m.SendEvent(NewEvent(EventTypeResponseCreate, nil)), shared.ErrSessionNotActive)
	assert.Len(t, m.Events(), 1)
}

func TestLoggedEventsCannotBeMutated(t *testing.T) {
	m, _, obs, _ := newActiveMachine(t)

	sent := NewEvent(EventTypeResponseCreate, map[string]any{
		"response": map[string]any{"instructions": "original"},
	})
	require.NoError(t, m.SendEvent(sent))
	inbound := NewEvent(EventTypeSessionUpdated, map[string]any{"session": map[string]any{"id": "s1"}})
	require.NoError(t, m.OnRemoteEvent(inbound))

	sent.Payload["response"].(map[string]any)["instructions"] = "mutated"
	sent.Payload["extra"] = true
	inbound.Payload["session"] = "mutated"

	events := m.Events()
	events[0].Payload["injected"] = true
	events[1].Payload["response"].(map[string]any)["instructions"] = "mutated"
	obs.logged[0].Payload["injected"] = true

	events = m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, map[string]any{"session": map[string]any{"id": "s1"}}, events[0].Payload)
	assert.Equal(t, map[string]any{"response": map[string]any{"instructions": "original"}}, events[1].Payload)
	assert.Empty(t, sent.EventId, "the caller's event is not stamped")
}

func TestFunctionCallOutputIsACopy(t *testing.T) {
	m, _, _, _ := newActiveMachine(t)

	msg := `{"type":"response.done","response":{"output":[{"type":"function_call","name":"teach_alphabet_in_spanish","arguments":"{}"}]}}`
	require.NoError(t, m.HandleMessage([]byte(msg)))

	call := m.FunctionCallOutput()
	require.NotNil(t, call)
	call.Name = "changed"
	call.Item["name"] = "changed"

	again := m.FunctionCallOutput()
	assert.Equal(t, "teach_alphabet_in_spanish", again.Name)
	assert.Equal(t, "teach_alphabet_in_spanish", again.Item["name"])
}
