// Package tokens gives rough token counts for council responses. Council members are not
// OpenAI models, so cl100k is only an estimate; it is shown as "~N tokens".
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) load() {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			c.codec = codec
		}
	})
}

// Count returns the cl100k token count of text, or a chars/4 estimate when the codec is
// unavailable or rejects the input.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.load()
	if c.codec != nil {
		if ids, _, err := c.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return Estimate(text)
}

func Estimate(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
