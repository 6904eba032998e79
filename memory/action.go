package memory

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/text/unicode/norm"
)

// Action is a memory mutation proposed for a turn.
type Action struct {
	Action     string // save, update or delete
	Key        string
	Value      string
	Confidence *float64
	TTL        time.Duration
}

// ActionResult reports what Apply did.
type ActionResult struct {
	Action  string
	Key     string
	Value   string
	Record  *Record // nil when a delete matched nothing
	Applied bool
}

// NormalizeText folds text to NFKC, lower case and single spaces.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Text is the string stored for a key/value pair.
func (a Action) Text() string {
	key, value := NormalizeText(a.Key), NormalizeText(a.Value)
	switch {
	case key == "":
		return value
	case value == "":
		return key
	default:
		return key + ": " + value
	}
}

// Apply executes a save, update or delete for ownerID.
// Save and update both go through WriteOrUpdate, so saving a fact close to
// an existing one updates it.
func (s *Store) Apply(ctx context.Context, ownerID string, a Action) (*ActionResult, error) {
	verb := strings.ToLower(strings.TrimSpace(a.Action))
	text := a.Text()
	if text == "" {
		return nil, ErrEmptyText
	}

	result := &ActionResult{
		Action: verb,
		Key:    NormalizeText(a.Key),
		Value:  NormalizeText(a.Value),
	}

	switch verb {
	case "save", "update":
		rec, err := s.WriteOrUpdate(ctx, ownerID, text, a.Confidence, a.TTL)
		if err != nil {
			return nil, err
		}
		result.Record = rec
		result.Applied = true

	case "delete":
		rec, err := s.Delete(ctx, ownerID, text)
		if err != nil {
			return nil, err
		}
		result.Record = rec
		result.Applied = rec != nil

	default:
		return nil, goerr.Wrap(ErrInvalidAction, "unsupported memory action", goerr.V("action", a.Action))
	}

	return result, nil
}
