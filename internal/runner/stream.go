package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// streamEventSchema constrains the agent's JSONL protocol. A line that does
// not validate is dropped rather than guessed at, so a chatty agent cannot
// corrupt session capture or completion reporting.
const streamEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["init", "text", "tool_use", "result"]},
		"session_id": {"type": "string"},
		"text": {"type": "string"},
		"tool": {"type": "string"},
		"success": {"type": "boolean"},
		"detail": {"type": "string"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "init"}}},
			"then": {"required": ["session_id"]}
		},
		{
			"if": {"properties": {"type": {"const": "result"}}},
			"then": {"required": ["success"]}
		}
	]
}`

type streamValidator struct {
	schema *jsonschema.Schema
}

func newStreamValidator() (*streamValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(streamEventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal stream schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("stream.json", doc); err != nil {
		return nil, fmt.Errorf("add stream schema resource: %w", err)
	}
	schema, err := c.Compile("stream.json")
	if err != nil {
		return nil, fmt.Errorf("compile stream schema: %w", err)
	}
	return &streamValidator{schema: schema}, nil
}

type wireEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail"`
}

// parseLine validates one JSONL line and maps it to an Event.
func (v *streamValidator) parseLine(line []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(line)))
	if err != nil {
		return Event{}, fmt.Errorf("invalid JSON line: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("stream event rejected: %w", err)
	}

	var we wireEvent
	if err := json.Unmarshal(line, &we); err != nil {
		return Event{}, fmt.Errorf("decode stream event: %w", err)
	}

	switch we.Type {
	case "init":
		return Event{Kind: EventSession, SessionID: we.SessionID}, nil
	case "text":
		return Event{Kind: EventText, Text: we.Text}, nil
	case "tool_use":
		return Event{Kind: EventTool, Tool: we.Tool}, nil
	case "result":
		return Event{Kind: EventResult, Success: we.Success, Detail: we.Detail}, nil
	default:
		return Event{}, fmt.Errorf("unknown stream event type %q", we.Type)
	}
}
