package tools

import (
	"bufio"
	"strings"

	"github.com/becomeliminal/nim-assistant/core"
)

// Resolution is the outcome of checking a payload against a contract.
type Resolution struct {
	Missing []string
	Ready   bool
}

// Resolve reports which required fields of c are absent or empty in
// payload, in declaration order.
func Resolve(c *Contract, payload map[string]any) Resolution {
	var missing []string
	for _, name := range c.Required() {
		if core.IsEmptyValue(payload[name]) {
			missing = append(missing, name)
		}
	}
	return Resolution{Missing: missing, Ready: len(missing) == 0}
}

// Resolve looks up action and resolves payload against it.
func (r *Registry) Resolve(action string, payload map[string]any) (Resolution, error) {
	c, ok := r.Get(action)
	if !ok {
		return Resolution{}, ErrUnknownAction
	}
	return Resolve(c, payload), nil
}

// ParseFields reads "key: value" and "key=value" pairs for declared fields
// from free text, one per line or separated by commas or semicolons. It is
// the fallback when the oracle cannot extract fields.
func ParseFields(c *Contract, text string) map[string]any {
	out := map[string]any{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		for _, part := range splitPairs(sc.Text()) {
			key, value, ok := strings.Cut(part, ":")
			if !ok {
				key, value, ok = strings.Cut(part, "=")
			}
			if !ok {
				continue
			}
			key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
			value = strings.TrimSpace(value)
			if _, declared := c.Field(key); declared && value != "" {
				out[key] = value
			}
		}
	}
	return c.Coerce(out)
}

// splitPairs splits a line on commas and semicolons, gluing back segments
// without a separator so values like "1,500" survive.
func splitPairs(line string) []string {
	var parts []string
	for _, seg := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ';' }) {
		if len(parts) > 0 && !strings.ContainsAny(seg, ":=") {
			parts[len(parts)-1] += "," + seg
			continue
		}
		parts = append(parts, seg)
	}
	return parts
}
