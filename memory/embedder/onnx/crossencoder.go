//go:build onnx

package onnx

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"
)

// CrossEncoder scores (query, passage) pairs with an ms-marco MiniLM
// cross-encoder. Scores are sigmoid(logit), in [0, 1].
type CrossEncoder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *BERTTokenizer
	maxLen    int
}

// NewCrossEncoder loads a cross-encoder model. Dimensions is ignored.
func NewCrossEncoder(cfg Config) (*CrossEncoder, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	if cfg.MaxSequenceLength == 128 {
		cfg.MaxSequenceLength = 256
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	tokenizer, err := LoadBERTTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create cross-encoder session", goerr.V("model", cfg.ModelPath))
	}

	return &CrossEncoder{session: session, tokenizer: tokenizer, maxLen: cfg.MaxSequenceLength}, nil
}

// Score returns one relevance score per passage, in input order.
func (c *CrossEncoder) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	for i, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, _, err := run(c.session, c.tokenizer.EncodePair(query, p, c.maxLen))
		if err != nil {
			return nil, goerr.Wrap(err, "cross-encoder inference failed", goerr.V("passage", i))
		}
		if len(data) == 0 {
			return nil, goerr.New("cross-encoder returned no logits")
		}
		scores[i] = 1 / (1 + math.Exp(-float64(data[0])))
	}
	return scores, nil
}

// Close releases ONNX resources.
func (c *CrossEncoder) Close() error {
	if c.session != nil {
		return c.session.Destroy()
	}
	return nil
}
