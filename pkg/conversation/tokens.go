package conversation

import (
	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// TokenCounter estimates prompt sizes for logging. A nil counter counts zero.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load token encoding %s", encoding)
	}
	return &TokenCounter{enc: enc}, nil
}

func (tc *TokenCounter) CountText(s string) int {
	if tc == nil || tc.enc == nil || s == "" {
		return 0
	}
	return len(tc.enc.Encode(s, nil, nil))
}

func (tc *TokenCounter) Count(msgs ...Message) int {
	total := 0
	for _, m := range msgs {
		total += tc.CountText(m.Content)
	}
	return total
}
