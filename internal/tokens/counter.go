package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Heuristic counts roughly four ASCII bytes per token and one token per
// non-ASCII rune. It needs no vocabulary download.
type Heuristic struct{}

// Count implements Counter.
func (Heuristic) Count(text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+3)/4 + other
}

// Truncate implements Counter.
func (Heuristic) Truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return "", text != ""
	}
	ascii, other := 0, 0
	for i, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
		if (ascii+3)/4+other > max {
			return text[:i], true
		}
	}
	return text, false
}

// Tiktoken counts with the o200k_base BPE vocabulary. The vocabulary is
// loaded on first use; if it cannot be loaded the counter degrades to
// [Heuristic] and logs once.
type Tiktoken struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktoken returns a lazily initialised tiktoken counter.
func NewTiktoken(logger *slog.Logger) *Tiktoken {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiktoken{logger: logger}
}

func (t *Tiktoken) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, using heuristic token counts",
				"encoding", Encoding, "error", err)
			return
		}
		t.enc = enc
	})
	return t.enc
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	enc := t.encoding()
	if enc == nil {
		return Heuristic{}.Count(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate implements Counter.
func (t *Tiktoken) Truncate(text string, max int) (string, bool) {
	enc := t.encoding()
	if enc == nil {
		return Heuristic{}.Truncate(text, max)
	}
	ids := enc.Encode(text, nil, nil)
	if len(ids) <= max {
		return text, false
	}
	if max <= 0 {
		return "", true
	}
	return validPrefix(enc.Decode(ids[:max])), true
}

// validPrefix drops the bytes of a rune that a token boundary split.
// The input is a byte prefix of valid UTF-8, so only its tail can be
// malformed.
func validPrefix(s string) string {
	for s != "" && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
