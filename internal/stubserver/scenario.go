// ABOUTME: Scripted response scenarios for the stub server
// ABOUTME: Loaded from YAML, matched against incoming message content

package stubserver

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/arden-labs/parley/internal/codec"
)

// Scenario scripts how the stub answers incoming messages.
type Scenario struct {
	Delay time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DelayRaw string `yaml:"delay"`

	Responses []Response `yaml:"responses"`
}

// Response is one scripted reply. The first response whose Match is a
// substring of the incoming content wins; an empty Match matches everything.
type Response struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Step is one event in a scripted reply. Exactly one field should be set.
type Step struct {
	Delta      string          `yaml:"delta,omitempty"`
	Sources    []ScriptSource  `yaml:"sources,omitempty"`
	ToolStart  *ScriptToolCall `yaml:"tool_start,omitempty"`
	ToolResult *ScriptToolCall `yaml:"tool_result,omitempty"`
	End        *ScriptEnd      `yaml:"end,omitempty"`
	Error      string          `yaml:"error,omitempty"`
	Timeout    bool            `yaml:"timeout,omitempty"`
}

// ScriptSource mirrors a cited source.
type ScriptSource struct {
	ID      string  `yaml:"id"`
	Title   string  `yaml:"title"`
	URL     string  `yaml:"url"`
	Snippet string  `yaml:"snippet"`
	Score   float64 `yaml:"score"`
}

// ScriptToolCall identifies a tool invocation in a script.
type ScriptToolCall struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Label   string `yaml:"label"`
	Success bool   `yaml:"success"`
}

// ScriptEnd terminates a scripted reply.
type ScriptEnd struct {
	MessageID  string `yaml:"message_id"`
	Content    string `yaml:"content"`
	Model      string `yaml:"model"`
	TokenCount *int   `yaml:"token_count"`
}

// LoadScenario reads a scenario file. A nil path yields the echo scenario.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return &Scenario{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}

	if sc.DelayRaw != "" {
		sc.Delay, err = time.ParseDuration(sc.DelayRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing delay %q: %w", sc.DelayRaw, err)
		}
	}

	return &sc, nil
}

// Resolve turns the incoming content into the event sequence to replay.
// Without a matching scripted response the stub echoes the content back
// word by word.
func (sc *Scenario) Resolve(content string) []codec.Event {
	for _, resp := range sc.Responses {
		if resp.Match == "" || strings.Contains(content, resp.Match) {
			return buildEvents(resp.Steps)
		}
	}
	return echoEvents(content)
}

func buildEvents(steps []Step) []codec.Event {
	events := make([]codec.Event, 0, len(steps))
	for _, step := range steps {
		switch {
		case step.Delta != "":
			events = append(events, codec.Event{Kind: codec.KindContentDelta, Delta: step.Delta})
		case len(step.Sources) > 0:
			sources := make([]codec.Source, len(step.Sources))
			for i, s := range step.Sources {
				sources[i] = codec.Source{
					ID:      s.ID,
					Title:   s.Title,
					URL:     s.URL,
					Snippet: s.Snippet,
					Score:   s.Score,
				}
			}
			events = append(events, codec.Event{Kind: codec.KindSources, Sources: sources})
		case step.ToolStart != nil:
			events = append(events, codec.Event{Kind: codec.KindToolCallStart, ToolCall: &codec.ToolCallStart{
				ID:    step.ToolStart.ID,
				Name:  step.ToolStart.Name,
				Label: step.ToolStart.Label,
			}})
		case step.ToolResult != nil:
			events = append(events, codec.Event{Kind: codec.KindToolCallResult, ToolResult: &codec.ToolCallResult{
				ID:      step.ToolResult.ID,
				Success: step.ToolResult.Success,
			}})
		case step.End != nil:
			messageID := step.End.MessageID
			if messageID == "" {
				messageID = uuid.New().String()
			}
			events = append(events, codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{
				MessageID:  messageID,
				Content:    step.End.Content,
				Model:      step.End.Model,
				TokenCount: step.End.TokenCount,
			}})
		case step.Error != "":
			events = append(events, codec.Event{Kind: codec.KindError, Message: step.Error})
		case step.Timeout:
			events = append(events, codec.Event{Kind: codec.KindTimeout})
		}
	}
	return events
}

// echoEvents streams the content back one word at a time.
func echoEvents(content string) []codec.Event {
	words := strings.Fields("You said: " + content)
	events := make([]codec.Event, 0, len(words)+1)
	for i, word := range words {
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		events = append(events, codec.Event{Kind: codec.KindContentDelta, Delta: delta})
	}
	events = append(events, codec.Event{Kind: codec.KindMessageEnd, End: &codec.MessageEnd{
		MessageID: uuid.New().String(),
		Model:     "parley-stub",
	}})
	return events
}
