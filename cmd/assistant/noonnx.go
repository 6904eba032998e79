//go:build !onnx

package main

import (
	"io"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/config"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory"
)

var errNoONNX = goerr.New("built without ONNX support, rebuild with -tags onnx")

func newONNXEmbedder(config.EmbedderConfig) (memory.Embedder, io.Closer, error) {
	return nil, nil, errNoONNX
}

func newCrossEncoder(config.EmbedderConfig) (knowledge.Scorer, io.Closer, error) {
	return nil, nil, errNoONNX
}
