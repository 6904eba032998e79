// Package onnx runs sentence-transformer models locally through ONNX Runtime:
// an all-MiniLM-L6-v2 style embedder and an ms-marco cross-encoder reranker.
//
// The runtime-backed types need the "onnx" build tag; the tokenizer does not.
package onnx

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// BERTTokenizer handles BERT-style WordPiece tokenization
type BERTTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
	padToken int
}

// Encoding is a fixed-length model input.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// NewBERTTokenizer builds a tokenizer from a vocabulary.
func NewBERTTokenizer(vocab map[string]int) *BERTTokenizer {
	t := &BERTTokenizer{
		vocab:    vocab,
		clsToken: 101, // [CLS]
		sepToken: 102, // [SEP]
		unkToken: 100, // [UNK]
		padToken: 0,   // [PAD]
	}
	for name, dst := range map[string]*int{"[CLS]": &t.clsToken, "[SEP]": &t.sepToken, "[UNK]": &t.unkToken, "[PAD]": &t.padToken} {
		if id, ok := vocab[name]; ok {
			*dst = id
		}
	}
	return t
}

// LoadBERTTokenizer loads the BERT tokenizer from tokenizer.json
func LoadBERTTokenizer(path string) (*BERTTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tokenizer", goerr.V("path", path))
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, goerr.Wrap(err, "failed to parse tokenizer", goerr.V("path", path))
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, goerr.New("tokenizer has empty vocabulary", goerr.V("path", path))
	}

	return NewBERTTokenizer(tokenizerData.Model.Vocab), nil
}

// Tokenize converts text to token IDs using BERT WordPiece tokenization
func (t *BERTTokenizer) Tokenize(text string) []int64 {
	text = strings.ToLower(text) // BERT uses lowercase
	words := strings.Fields(text)

	var tokens []int64
	for _, word := range words {
		// Remove punctuation for simplicity
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}

		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}

		for _, subword := range t.wordPieceTokenize(word) {
			if id, ok := t.vocab[subword]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

// Encode builds "[CLS] text [SEP]" padded to maxLen.
func (t *BERTTokenizer) Encode(text string, maxLen int) Encoding {
	return t.encode(t.Tokenize(text), nil, maxLen)
}

// EncodePair builds "[CLS] a [SEP] b [SEP]" padded to maxLen, with segment
// ids marking b. The longer side is truncated first.
func (t *BERTTokenizer) EncodePair(a, b string, maxLen int) Encoding {
	return t.encode(t.Tokenize(a), t.Tokenize(b), maxLen)
}

func (t *BERTTokenizer) encode(first, second []int64, maxLen int) Encoding {
	special := 2
	if second != nil {
		special = 3
	}
	for len(first)+len(second) > maxLen-special {
		if len(first) >= len(second) {
			first = first[:len(first)-1]
		} else {
			second = second[:len(second)-1]
		}
	}

	enc := Encoding{
		InputIDs:      make([]int64, maxLen),
		AttentionMask: make([]int64, maxLen),
		TokenTypeIDs:  make([]int64, maxLen),
	}
	for i := range enc.InputIDs {
		enc.InputIDs[i] = int64(t.padToken)
	}

	pos := 0
	put := func(id int64, segment int64) {
		enc.InputIDs[pos] = id
		enc.AttentionMask[pos] = 1
		enc.TokenTypeIDs[pos] = segment
		pos++
	}

	put(int64(t.clsToken), 0)
	for _, id := range first {
		put(id, 0)
	}
	put(int64(t.sepToken), 0)
	if second != nil {
		for _, id := range second {
			put(id, 1)
		}
		put(int64(t.sepToken), 1)
	}
	return enc
}

// wordPieceTokenize performs basic WordPiece tokenization
func (t *BERTTokenizer) wordPieceTokenize(word string) []string {
	if len(word) == 0 {
		return nil
	}

	// Try to find the longest matching prefix
	var subwords []string
	start := 0

	for start < len(word) {
		end := len(word)
		found := false

		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr // WordPiece continuation prefix
			}

			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}

		if !found {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}

	return subwords
}
