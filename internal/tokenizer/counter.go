// Package tokenizer counts prompt tokens the way the model backend does.
package tokenizer

import (
	"errors"
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultModel selects the encoding used when none is given.
const DefaultModel = "gpt-4"

var setLoader sync.Once

// Counter wraps a tiktoken encoding. Building the encoding parses a large BPE
// table, so construct one Counter per process and share it.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New builds a Counter for the encoding used by model. The BPE ranks are read
// from the embedded offline loader, never from the network.
func New(model string) (*Counter, error) {
	if model == "" {
		model = DefaultModel
	}
	setLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: encoding for model %q: %w", model, err)
	}
	if enc == nil {
		return nil, errors.New("tokenizer: encoding is nil")
	}
	return &Counter{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
