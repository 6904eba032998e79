// Package safety gates what reaches the model and what reaches the user.
package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
)

// Refusal and fallback texts.
const (
	RefusalMessage  = "Sorry, I can't help with that request."
	TopicRefusal    = "I can't help with that topic."
	TooLongMessage  = "Response was too long to safely display."
	LeakMessage     = "I can't share internal system details."
	FallbackMessage = "I'm here. What would you like to do next?"
	ErrorMessage    = "Something went wrong. Please try again."
)

// Verdict is the outcome of a check. Message replaces the rejected text.
type Verdict struct {
	Allowed bool
	Reason  string
	Message string
}

var allowed = Verdict{Allowed: true}

// Config tunes a Guard.
type Config struct {
	// MaxOutputChars rejects longer answers. Default: 800
	MaxOutputChars int

	// InjectionPatterns are regular expressions matched against lower-cased
	// input.
	InjectionPatterns []string

	// BlockedTopics are refused only when asked about procedurally
	// ("how to", "steps", "make", "build").
	BlockedTopics []string

	// LeakMarkers must not appear in output.
	LeakMarkers []string
}

// DefaultConfig returns the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		MaxOutputChars: 800,
		InjectionPatterns: []string{
			`ignore (all )?previous instructions`,
			`system prompt`,
			`developer message`,
			`jailbreak`,
			`bypass`,
			`\bhack`,
			`exploit`,
		},
		BlockedTopics: []string{"violence", "self-harm", "terrorism", "illegal drugs"},
		LeakMarkers:   []string{"system prompt", "developer message", "openai policy", "anthropic policy"},
	}
}

var howToCues = []string{"how to", "steps", "make", "build"}

// Guard checks input before reasoning and output after it.
type Guard struct {
	config    *Config
	injection []*regexp.Regexp
}

// New compiles a Guard. A nil config uses DefaultConfig.
func New(config *Config) (*Guard, error) {
	if config == nil {
		config = DefaultConfig()
	}
	g := &Guard{config: config}
	for _, p := range config.InjectionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid injection pattern", goerr.V("pattern", p))
		}
		g.injection = append(g.injection, re)
	}
	return g, nil
}

// CheckInput screens a user message. Empty and very short messages (two
// words or fewer) always pass.
func (g *Guard) CheckInput(text string) Verdict {
	text = strings.ToLower(strings.TrimSpace(text))
	if len(strings.Fields(text)) <= 2 {
		return allowed
	}
	for _, re := range g.injection {
		if re.MatchString(text) {
			return Verdict{Reason: "prompt injection", Message: RefusalMessage}
		}
	}
	for _, topic := range g.config.BlockedTopics {
		if !strings.Contains(text, topic) {
			continue
		}
		for _, cue := range howToCues {
			if strings.Contains(text, cue) {
				return Verdict{Reason: "blocked topic: " + topic, Message: TopicRefusal}
			}
		}
	}
	return allowed
}

// CheckOutput screens a complete answer.
func (g *Guard) CheckOutput(text string) Verdict {
	if g.config.MaxOutputChars > 0 && utf8.RuneCountInString(text) > g.config.MaxOutputChars {
		return Verdict{Reason: "output too long", Message: TooLongMessage}
	}
	lowered := strings.ToLower(text)
	for _, marker := range g.config.LeakMarkers {
		if strings.Contains(lowered, marker) {
			return Verdict{Reason: "internal detail leak", Message: LeakMessage}
		}
	}
	return allowed
}
