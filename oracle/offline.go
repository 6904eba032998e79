package oracle

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/tools"
)

// Offline is a keyword-driven Oracle for development without a model. It
// remembers stated preferences, answers from memory and knowledge, and
// routes obvious arithmetic, weather and property requests to tools.
type Offline struct{}

var _ Oracle = Offline{}

var (
	rememberCue = regexp.MustCompile(`\b(remember|forget|my name is|call me|i prefer|i like|i love|i hate|i live in)\b`)
	arithmetic  = regexp.MustCompile(`[-+(]?\d+(\.\d+)?(\s*[-+*/%]\s*[-+(]?\d+(\.\d+)?\)?)+`)
	weatherCity = regexp.MustCompile(`\bweather\b.*?\bin\s+([a-z][a-z .'-]*)`)
	memoryLead  = regexp.MustCompile(`^(please\s+)?(remember|forget)(\s+that)?\s+`)
	question    = regexp.MustCompile(`^(what|who|where|when|which|why|how|do|does|did|is|are|can|could)\b|\?\s*$`)
)

// Route implements Oracle.
func (Offline) Route(ctx context.Context, req RouteRequest) (Route, error) {
	text := strings.ToLower(req.Input)
	r := DefaultRoute()
	switch {
	case rememberCue.MatchString(text) && !question.MatchString(strings.TrimSpace(text)):
		r.UseMemory, r.Intent = true, IntentWrite
	case req.Memory != "":
		r.UseMemory, r.Intent = true, IntentRead
	}
	if arithmetic.MatchString(text) || strings.Contains(text, "weather") || strings.Contains(text, "property") {
		r.UseTool = true
	}
	return r, nil
}

// MemoryAction implements Oracle.
func (Offline) MemoryAction(ctx context.Context, input string) (MemoryDecision, error) {
	text := strings.TrimSpace(strings.ToLower(input))
	conf := 0.9
	d := MemoryDecision{Action: "save", Key: "fact", Confidence: &conf}
	if strings.HasPrefix(text, "forget") || strings.HasPrefix(text, "please forget") {
		d.Action = "delete"
	}
	switch {
	case strings.Contains(text, "my name is"), strings.Contains(text, "call me"):
		d.Key = "name"
	case strings.Contains(text, "prefer"), strings.Contains(text, "like"), strings.Contains(text, "love"), strings.Contains(text, "hate"):
		d.Key = "preference"
	case strings.Contains(text, "live in"):
		d.Key = "home"
	}
	d.Value = strings.TrimRight(memoryLead.ReplaceAllString(text, ""), ".!? ")
	return d, nil
}

// ProposeTool implements Oracle.
func (Offline) ProposeTool(ctx context.Context, input string, defs []tools.Definition) (ToolProposal, error) {
	text := strings.ToLower(input)
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}

	var p ToolProposal
	switch {
	case arithmetic.MatchString(text):
		p = ToolProposal{Action: "calculator", Arguments: map[string]any{"expression": arithmetic.FindString(text)}}
	case strings.Contains(text, "weather"):
		args := map[string]any{}
		if m := weatherCity.FindStringSubmatch(text); m != nil {
			args["city"] = strings.TrimRight(strings.TrimSpace(m[1]), ".?!")
		}
		p = ToolProposal{Action: "weather", Arguments: args}
	case strings.Contains(text, "property"):
		action := "property.search"
		for _, verb := range []string{"add", "list", "update", "delete", "remove"} {
			if strings.Contains(text, verb) {
				action = map[string]string{
					"add": "property.add", "list": "property.add",
					"update": "property.update", "delete": "property.delete", "remove": "property.delete",
				}[verb]
				break
			}
		}
		p = ToolProposal{Action: action, Arguments: map[string]any{}}
	}
	if p.Action != "" && !known[p.Action] {
		return ToolProposal{}, nil
	}
	return p, nil
}

// ExtractFields implements Oracle.
func (Offline) ExtractFields(ctx context.Context, input string, contract *tools.Contract) (map[string]any, error) {
	return tools.ParseFields(contract, input), nil
}

// Reason implements Oracle. It answers from the tool result, then memory,
// then knowledge, and stays silent when it has nothing to say.
func (Offline) Reason(ctx context.Context, req ReasonRequest, emit func(string) error) error {
	var answer string
	switch {
	case req.ToolResult != nil && req.ToolResult.Success:
		b, _ := json.Marshal(req.ToolResult.Data)
		answer = "Done. Result: " + string(b)
	case req.ToolResult != nil:
		answer = "I couldn't complete that: " + req.ToolResult.Error
	case req.Memory != "":
		answer = "Here is what I remember about you: " + strings.Join(contentLines(req.Memory), "; ")
	case req.Knowledge != "":
		answer = "Here is what I found: " + strings.Join(contentLines(req.Knowledge), " ")
	}
	for _, word := range strings.SplitAfter(answer, " ") {
		if word == "" {
			continue
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

// contentLines drops headers and blank lines from a formatted context block.
func contentLines(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "===") {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "- "))
	}
	return out
}

// Summarize implements Oracle by keeping the tail of the transcript.
func (Offline) Summarize(ctx context.Context, previous string, messages []core.Message) (string, error) {
	const limit = 1000
	s := strings.TrimSpace(previous + "\n" + core.Transcript(messages))
	if len(s) > limit {
		start := len(s) - limit
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = s[start:]
	}
	return s, nil
}
