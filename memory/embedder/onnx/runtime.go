//go:build onnx

package onnx

import (
	"sync"

	"github.com/m-mizutani/goerr/v2"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// initRuntime loads the shared library once per process.
func initRuntime(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = goerr.Wrap(err, "failed to initialize ONNX runtime", goerr.V("library", libraryPath))
		}
	})
	return initErr
}

// run executes a BERT-style session on one encoding and returns the first
// output tensor's data and shape. The caller owns nothing; tensors are freed.
func run(session *ort.DynamicAdvancedSession, enc Encoding) ([]float32, ort.Shape, error) {
	seqLen := int64(len(enc.InputIDs))
	shape := ort.NewShape(1, seqLen)

	inputIDs, err := ort.NewTensor(shape, enc.InputIDs)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create input_ids tensor")
	}
	defer inputIDs.Destroy()

	attentionMask, err := ort.NewTensor(shape, enc.AttentionMask)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create attention_mask tensor")
	}
	defer attentionMask.Destroy()

	tokenTypeIDs, err := ort.NewTensor(shape, enc.TokenTypeIDs)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create token_type_ids tensor")
	}
	defer tokenTypeIDs.Destroy()

	// Pass nil for outputs - they'll be auto-allocated by Run()
	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{inputIDs, attentionMask, tokenTypeIDs}, outputs); err != nil {
		return nil, nil, goerr.Wrap(err, "ONNX inference failed")
	}
	defer func() {
		for _, output := range outputs {
			if output != nil {
				output.Destroy()
			}
		}
	}()

	if outputs[0] == nil {
		return nil, nil, goerr.New("no output tensors returned")
	}
	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, goerr.New("unexpected output tensor type")
	}

	data := append([]float32(nil), tensor.GetData()...)
	return data, tensor.GetShape(), nil
}
