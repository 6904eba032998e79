//go:build onnx

package onnx

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-assistant/logging"
)

// Config configures the ONNX models.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath is the onnxruntime shared library. Empty uses the
	// runtime's default search path.
	LibraryPath string

	// Dimensions is the embedding vector size (default: 384 for all-MiniLM-L6-v2).
	Dimensions int

	// MaxSequenceLength bounds tokens per input (default: 128).
	MaxSequenceLength int
}

func (c *Config) withDefaults() error {
	if c.ModelPath == "" {
		return goerr.New("ModelPath is required")
	}
	if c.TokenizerPath == "" {
		return goerr.New("TokenizerPath is required")
	}
	if c.Dimensions == 0 {
		c.Dimensions = 384
	}
	if c.MaxSequenceLength == 0 {
		c.MaxSequenceLength = 128
	}
	return nil
}

// ONNXEmbedder generates embeddings using ONNX Runtime.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *BERTTokenizer
	dimensions int
	maxLen     int
}

// New creates a new ONNX embedder.
func New(cfg Config) (*ONNXEmbedder, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
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
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ONNX session", goerr.V("model", cfg.ModelPath))
	}

	logging.Default().Info("onnx embedder loaded", "model", cfg.ModelPath, "dimensions", cfg.Dimensions)
	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
	}, nil
}

// Embed converts text to embedding vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc := e.tokenizer.Encode(text, e.maxLen)
	data, shape, err := run(e.session, enc)
	if err != nil {
		return nil, err
	}

	// Output is either already pooled [1, dim] or per token [1, seq, dim]
	var embedding []float32
	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, goerr.New("output dimension mismatch", goerr.V("got", len(data)), goerr.V("want", e.dimensions))
		}
		embedding = append([]float32(nil), data[:e.dimensions]...)

	case 3:
		seqLen, hiddenSize := int(shape[1]), int(shape[2])
		if shape[0] != 1 {
			return nil, goerr.New("expected batch size 1", goerr.V("got", shape[0]))
		}
		if hiddenSize != e.dimensions {
			return nil, goerr.New("hidden size mismatch", goerr.V("got", hiddenSize), goerr.V("want", e.dimensions))
		}
		embedding = meanPool(data, enc.AttentionMask, seqLen, hiddenSize)

	default:
		return nil, goerr.New("unexpected output shape", goerr.V("shape", shape))
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// meanPool averages token vectors where the attention mask is set.
func meanPool(data []float32, mask []int64, seqLen, hiddenSize int) []float32 {
	out := make([]float32, hiddenSize)
	var attended float32
	for i := 0; i < seqLen && i < len(mask); i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		offset := i * hiddenSize
		for j := 0; j < hiddenSize; j++ {
			out[j] += data[offset+j]
		}
	}
	if attended > 0 {
		for j := range out {
			out[j] /= attended
		}
	}
	return out
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
