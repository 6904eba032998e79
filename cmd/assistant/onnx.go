//go:build onnx

package main

import (
	"io"

	"github.com/becomeliminal/nim-assistant/config"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.EmbedderConfig) (memory.Embedder, io.Closer, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		LibraryPath:   cfg.LibraryPath,
		Dimensions:    cfg.Dimensions,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e, nil
}

func newCrossEncoder(cfg config.EmbedderConfig) (knowledge.Scorer, io.Closer, error) {
	c, err := onnx.NewCrossEncoder(onnx.Config{
		ModelPath:     cfg.RerankerPath,
		TokenizerPath: cfg.RerankerTokenizer,
		LibraryPath:   cfg.LibraryPath,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}
