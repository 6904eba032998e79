// Package tools declares the external actions the assistant can take,
// checks their required fields and dispatches them to backends.
package tools

import (
	_ "embed"
	"sort"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-assistant/core"
)

//go:embed contracts.yaml
var defaultContracts []byte

var (
	// ErrUnknownAction is returned for actions without a contract.
	ErrUnknownAction = goerr.New("unknown action")

	// ErrInvalidContract is returned when a contract file does not parse.
	ErrInvalidContract = goerr.New("invalid contract")
)

// Field is one argument of an action.
type Field struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // string, number, integer, boolean
	Description string   `yaml:"description"`
	Enum        []string `yaml:"enum"`
	Required    bool     `yaml:"required"`
	Question    string   `yaml:"question"`
}

// Contract declares an action and the fields it needs.
type Contract struct {
	Action      string  `yaml:"action"`
	Description string  `yaml:"description"`
	MultiTurn   bool    `yaml:"multi_turn"`
	AskMessage  string  `yaml:"ask_message"`
	Fields      []Field `yaml:"fields"`
}

// Tool is the backend name: the part of Action before the first dot.
func (c *Contract) Tool() string {
	tool, _, _ := strings.Cut(c.Action, ".")
	return tool
}

// Required lists required field names in declaration order.
func (c *Contract) Required() []string {
	var out []string
	for _, f := range c.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Field returns the named field.
func (c *Contract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Question builds the follow-up question for missing fields.
func (c *Contract) Question(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	ask := c.AskMessage
	if ask == "" {
		ask = "I still need"
	}
	var sb strings.Builder
	sb.WriteString(ask)
	sb.WriteString(" ")
	sb.WriteString(strings.Join(missing, ", "))
	sb.WriteString(".")
	if f, ok := c.Field(missing[0]); ok && f.Question != "" {
		sb.WriteString(" ")
		sb.WriteString(f.Question)
	}
	return sb.String()
}

// Coerce returns a copy of payload restricted to declared fields, with
// values converted to the declared types where the conversion is lossless.
// Unparseable values are kept as given.
func (c *Contract) Coerce(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		f, ok := c.Field(k)
		if !ok || core.IsEmptyValue(v) {
			continue
		}
		out[k] = coerce(f, v)
	}
	return out
}

func coerce(f Field, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	switch f.Type {
	case "number":
		if n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
			return n
		}
	case "integer":
		if n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64); err == nil {
			return n
		}
	case "boolean":
		switch strings.ToLower(s) {
		case "true", "yes", "y", "1":
			return true
		case "false", "no", "n", "0":
			return false
		}
	}
	if len(f.Enum) > 0 {
		for _, e := range f.Enum {
			if strings.EqualFold(e, s) {
				return e
			}
		}
	}
	return s
}

// Registry holds contracts by action name.
type Registry struct {
	contracts map[string]*Contract
}

// NewRegistry creates a registry from contracts. Later duplicates win.
func NewRegistry(contracts ...Contract) *Registry {
	r := &Registry{contracts: make(map[string]*Contract, len(contracts))}
	for i := range contracts {
		c := contracts[i]
		r.contracts[c.Action] = &c
	}
	return r
}

// ParseContracts decodes a YAML list of contracts.
func ParseContracts(data []byte) ([]Contract, error) {
	var contracts []Contract
	if err := yaml.Unmarshal(data, &contracts); err != nil {
		return nil, goerr.Wrap(ErrInvalidContract, "failed to parse contracts", goerr.V("error", err.Error()))
	}
	for _, c := range contracts {
		if strings.TrimSpace(c.Action) == "" {
			return nil, goerr.Wrap(ErrInvalidContract, "contract without action")
		}
	}
	return contracts, nil
}

// DefaultRegistry returns the built-in contracts.
func DefaultRegistry() *Registry {
	contracts, err := ParseContracts(defaultContracts)
	if err != nil {
		panic(err)
	}
	return NewRegistry(contracts...)
}

// Get returns the contract for action.
func (r *Registry) Get(action string) (*Contract, bool) {
	c, ok := r.contracts[action]
	return c, ok
}

// Actions lists action names, sorted.
func (r *Registry) Actions() []string {
	out := make([]string, 0, len(r.contracts))
	for a := range r.contracts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
