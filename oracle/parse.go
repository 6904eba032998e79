package oracle

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseObject extracts a JSON object from model output. It tries, in
// order: the whole text, the first balanced {...} region, and both again
// after stripping code fences. Anything else yields an empty map.
func ParseObject(raw string) map[string]any {
	if m, ok := parseCandidates(raw); ok {
		return m
	}
	if m, ok := parseCandidates(stripFences(raw)); ok {
		return m
	}
	return map[string]any{}
}

func parseCandidates(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if m, ok := decodeObject(text); ok {
		return m, true
	}
	if region, ok := firstObject(text); ok {
		return decodeObject(region)
	}
	return nil, false
}

func decodeObject(text string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// firstObject returns the first balanced {...} region, honouring strings.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// lookup returns the first present key.
func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err == nil {
			return b
		}
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "y":
			return true
		}
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		// Some models double-encode nested objects.
		if m, ok := decodeObject(t); ok {
			return m
		}
	}
	return nil
}

// DecodeRoute maps a parsed object onto Route.
func DecodeRoute(m map[string]any) Route {
	r := DefaultRoute()
	if v, ok := lookup(m, "use_memory", "memory", "needs_memory"); ok {
		r.UseMemory = asBool(v)
	}
	if v, ok := lookup(m, "use_tool", "tool_required", "needs_tool"); ok {
		r.UseTool = asBool(v)
	}
	if v, ok := lookup(m, "intent", "memory_intent"); ok {
		switch intent := strings.ToLower(asString(v)); intent {
		case IntentRead, IntentWrite, IntentNone:
			r.Intent = intent
		}
	}
	return r
}

// DecodeMemory maps a parsed object onto MemoryDecision. Confidence is
// clamped to [0, 1].
func DecodeMemory(m map[string]any) MemoryDecision {
	var d MemoryDecision
	if v, ok := lookup(m, "action", "type", "operation"); ok {
		d.Action = strings.ToLower(asString(v))
	}
	if v, ok := lookup(m, "key", "memory_type", "field"); ok {
		d.Key = asString(v)
	}
	if v, ok := lookup(m, "value", "content", "memory"); ok {
		d.Value = asString(v)
	}
	if v, ok := lookup(m, "confidence"); ok {
		if f, ok := asFloat(v); ok {
			f = min(max(f, 0), 1)
			d.Confidence = &f
		}
	}
	return d
}

// DecodeTool maps a parsed object onto ToolProposal. It accepts a
// qualified tool name ("property.add"), or a tool name with the action
// given beside it or inside the arguments, and arguments either flat or
// nested under "payload".
func DecodeTool(m map[string]any) ToolProposal {
	var p ToolProposal
	tool := ""
	if v, ok := lookup(m, "tool", "tool_name", "name"); ok {
		tool = asString(v)
	}

	args := map[string]any{}
	if v, ok := lookup(m, "arguments", "args", "params", "payload"); ok {
		if a := asMap(v); a != nil {
			args = a
		}
	}

	action := ""
	if v, ok := lookup(m, "action"); ok {
		action = asString(v)
	}
	if v, ok := lookup(args, "action"); ok {
		action = asString(v)
		delete(args, "action")
	}
	if nested, ok := lookup(args, "payload"); ok {
		if a := asMap(nested); a != nil {
			args = a
		}
	}
	if v, ok := lookup(m, "thought", "reason"); ok {
		p.Thought = asString(v)
	}

	switch {
	case tool == "":
		p.Action = action
	case action == "" || strings.Contains(tool, "."):
		p.Action = tool
	default:
		p.Action = tool + "." + action
	}
	p.Action = strings.ToLower(p.Action)
	if p.Action == "none" {
		p.Action = ""
	}
	p.Arguments = args
	return p
}
