package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/goccy/go-yaml"
)

// Tool describes a function the remote assistant may call. Calling it
// switches the session to Instruction.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Instruction string         `yaml:"instruction"`
}

// Config is the fixed, injected configuration of a Session. Machines keep a
// private deep copy of it.
type Config struct {
	Model        string `yaml:"model"`
	SignalingURL string `yaml:"signaling_url"`

	Voice         string `yaml:"voice"`
	TurnDetection string `yaml:"turn_detection"`
	// Audio formats are audio/pcm, audio/pcmu or audio/pcma. AudioRate
	// applies to audio/pcm only.
	InputAudioFormat  string `yaml:"input_audio_format"`
	OutputAudioFormat string `yaml:"output_audio_format"`
	AudioRate         int    `yaml:"audio_rate"`
	// Modalities holds exactly one of audio or text.
	Modalities []string `yaml:"modalities"`

	DefaultInstruction string            `yaml:"default_instruction"`
	Instructions       map[string]string `yaml:"instructions"`

	Tools      []Tool `yaml:"tools"`
	ToolChoice string `yaml:"tool_choice"`

	// Sent as response.create after a recognized function call. Empty disables it.
	FollowUpInstructions string `yaml:"follow_up_instructions"`
	FollowUpDelayMs      int    `yaml:"follow_up_delay_ms"`
}

const (
	sessionTypeRealtime = "realtime"
	audioFormatPCM      = "audio/pcm"
)

var (
	audioFormats = []string{audioFormatPCM, "audio/pcmu", "audio/pcma"}
	modalities   = []string{"audio", "text"}
)

const (
	InstructionDefault      = "default"
	InstructionIntroduction = "introduction"
	InstructionAlphabet     = "alphabet"
	InstructionCounting     = "counting"
)

func DefaultConfig() Config {
	return Config{
		Model:             "gpt-realtime",
		SignalingURL:      "https://api.openai.com/v1/realtime/calls",
		Voice:             "alloy",
		TurnDetection:     "server_vad",
		InputAudioFormat:  audioFormatPCM,
		OutputAudioFormat: audioFormatPCM,
		AudioRate:         24000,
		Modalities:        []string{"audio"},

		DefaultInstruction: InstructionDefault,
		Instructions: map[string]string{
			InstructionIntroduction: "You are a friendly talking teddy bear. In this conversation, speak with the user using your voice. Ask for their name, age, the language they want to learn, their proficiency, and details about their life and hobbies. Once gathered, call the function 'save_user_data' with these details.",
			InstructionDefault:      "You are a friendly talking teddy bear. In this conversation, speak with the user using your voice. Ask 'What kind of game would the user like to play?' and trigger the appropriate function if needed.",
			InstructionAlphabet:     "You are a teddy bear talking with a child. Your task is to teach the child the alphabet in Spanish using stories or rhymes that make learning fun. Do not talk about anything else.",
			InstructionCounting:     "You are a teddy bear talking with a child. Your task is to teach the child counting in Spanish from 1 to 10 using engaging stories. Keep the conversation focused on counting.",
		},

		Tools: []Tool{
			{
				Name:        "teach_alphabet_in_spanish",
				Description: "Switch the assistant's behavior to teach the alphabet in Spanish.",
				Parameters:  emptyObjectSchema(),
				Instruction: InstructionAlphabet,
			},
			{
				Name:        "teach_counting_in_spanish",
				Description: "Switch the assistant's behavior to teach counting in Spanish using rhymes.",
				Parameters:  emptyObjectSchema(),
				Instruction: InstructionCounting,
			},
		},
		ToolChoice: "auto",

		FollowUpInstructions: "Please let me know if you would like more details or examples.",
		FollowUpDelayMs:      500,
	}
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// LoadConfig reads a YAML config file. Fields left out of the file keep their
// DefaultConfig values; instructions and tools, when present, replace the
// default tables as a whole.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg := file.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.SignalingURL == "" {
		c.SignalingURL = def.SignalingURL
	}
	if c.Voice == "" {
		c.Voice = def.Voice
	}
	if c.AudioRate == 0 {
		c.AudioRate = def.AudioRate
	}
	if c.TurnDetection == "" {
		c.TurnDetection = def.TurnDetection
	}
	if c.InputAudioFormat == "" {
		c.InputAudioFormat = def.InputAudioFormat
	}
	if c.OutputAudioFormat == "" {
		c.OutputAudioFormat = def.OutputAudioFormat
	}
	if len(c.Modalities) == 0 {
		c.Modalities = def.Modalities
	}
	if c.DefaultInstruction == "" {
		c.DefaultInstruction = def.DefaultInstruction
	}
	if len(c.Instructions) == 0 {
		c.Instructions = def.Instructions
	}
	if c.Tools == nil {
		c.Tools = def.Tools
	}
	if c.ToolChoice == "" {
		c.ToolChoice = def.ToolChoice
	}
	if c.FollowUpInstructions == "" {
		c.FollowUpInstructions = def.FollowUpInstructions
	}
	if c.FollowUpDelayMs == 0 {
		c.FollowUpDelayMs = def.FollowUpDelayMs
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if u, err := url.Parse(c.SignalingURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("signaling_url %q is not an absolute URL", c.SignalingURL))
	}
	for _, format := range []string{c.InputAudioFormat, c.OutputAudioFormat} {
		if !slices.Contains(audioFormats, format) {
			errs = append(errs, fmt.Errorf("audio format %q is not one of %v", format, audioFormats))
		}
	}
	if c.AudioRate <= 0 {
		errs = append(errs, fmt.Errorf("audio_rate %d must be positive", c.AudioRate))
	}
	if len(c.Modalities) != 1 || !slices.Contains(modalities, c.Modalities[0]) {
		errs = append(errs, fmt.Errorf("modalities %v must be exactly one of %v", c.Modalities, modalities))
	}
	if _, ok := c.Instructions[c.DefaultInstruction]; !ok {
		errs = append(errs, fmt.Errorf("default_instruction %q is not a known instruction", c.DefaultInstruction))
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		switch {
		case tool.Name == "":
			errs = append(errs, fmt.Errorf("tools[%d]: name is required", i))
		case seen[tool.Name]:
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate name %q", i, tool.Name))
		}
		seen[tool.Name] = true
		if tool.Instruction != "" {
			if _, ok := c.Instructions[tool.Instruction]; !ok {
				errs = append(errs, fmt.Errorf("tools[%d]: unknown instruction %q", i, tool.Instruction))
			}
		}
	}
	if c.FollowUpDelayMs < 0 {
		errs = append(errs, errors.New("follow_up_delay_ms must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Instruction looks up a named instruction.
func (c Config) Instruction(name string) (string, bool) {
	text, ok := c.Instructions[name]
	return text, ok
}

// ToolInstruction returns the instruction name a function call switches to.
func (c Config) ToolInstruction(function string) (string, bool) {
	for _, tool := range c.Tools {
		if tool.Name == function && tool.Instruction != "" {
			return tool.Instruction, true
		}
	}
	return "", false
}

func (c Config) FollowUpDelay() time.Duration {
	return time.Duration(c.FollowUpDelayMs) * time.Millisecond
}

func (c Config) clone() Config {
	out := c
	out.Modalities = append([]string(nil), c.Modalities...)
	out.Instructions = make(map[string]string, len(c.Instructions))
	for k, v := range c.Instructions {
		out.Instructions[k] = v
	}
	out.Tools = make([]Tool, len(c.Tools))
	for i, tool := range c.Tools {
		tool.Parameters, _ = cloneValue(tool.Parameters).(map[string]any)
		out.Tools[i] = tool
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

func (c Config) audioFormat(format string) map[string]any {
	f := map[string]any{"type": format}
	if format == audioFormatPCM {
		f["rate"] = c.AudioRate
	}
	return f
}

// sessionUpdate is the full configuration event carrying instructions.
func (c Config) sessionUpdate(instructions string) *Event {
	return NewEvent(EventTypeSessionUpdate, map[string]any{
		"session": map[string]any{
			"type":              sessionTypeRealtime,
			"instructions":      instructions,
			"output_modalities": append([]string(nil), c.Modalities...),
			"audio": map[string]any{
				"input": map[string]any{
					"format":         c.audioFormat(c.InputAudioFormat),
					"turn_detection": map[string]any{"type": c.TurnDetection},
				},
				"output": map[string]any{
					"format": c.audioFormat(c.OutputAudioFormat),
					"voice":  c.Voice,
				},
			},
		},
	})
}

// registration is the session.update that announces the tools.
func (c Config) registration() *Event {
	tools := make([]any, 0, len(c.Tools))
	for _, tool := range c.Tools {
		params := tool.Parameters
		if params == nil {
			params = emptyObjectSchema()
		}
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  cloneValue(params),
		})
	}
	return NewEvent(EventTypeSessionUpdate, map[string]any{
		"session": map[string]any{
			"type":        sessionTypeRealtime,
			"tools":       tools,
			"tool_choice": c.ToolChoice,
		},
	})
}
