package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/hyperjump/paperscope/pkg/utils"
)

// CLIP text model constants.
const (
	ClipContextLength = 77
	clipStartToken    = 49406
	clipEndToken      = 49407
	clipVocabSize     = 49408
)

// Tokenizer produces token IDs and an attention mask for the CLIP text model.
type Tokenizer interface {
	Tokenize(text string, contextLength int) (inputIDs, attentionMask []int64)
}

// WordTokenizer lowercases and splits text into words and punctuation, looks each
// word up in an optional vocabulary (keys carry the "</w>" end-of-word suffix) and
// falls back to hash-based IDs for unknown words.
type WordTokenizer struct {
	vocab map[string]int64
}

// NewWordTokenizer returns a tokenizer with no vocabulary (hash IDs only).
func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{}
}

// LoadWordTokenizer reads a vocab.json mapping tokens to IDs.
func LoadWordTokenizer(path string) (*WordTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	var vocab map[string]int64
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	return &WordTokenizer{vocab: vocab}, nil
}

// Tokenize wraps the words in start/end tokens and pads to contextLength.
func (t *WordTokenizer) Tokenize(text string, contextLength int) (inputIDs, attentionMask []int64) {
	if contextLength <= 2 {
		contextLength = ClipContextLength
	}
	inputIDs = make([]int64, contextLength)
	attentionMask = make([]int64, contextLength)

	inputIDs[0] = clipStartToken
	attentionMask[0] = 1
	pos := 1
	for _, word := range SplitWords(strings.ToLower(text)) {
		if pos >= contextLength-1 {
			break
		}
		inputIDs[pos] = t.tokenID(word)
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = clipEndToken
	attentionMask[pos] = 1
	return inputIDs, attentionMask
}

func (t *WordTokenizer) tokenID(word string) int64 {
	if id, ok := t.vocab[word+"</w>"]; ok {
		return id
	}
	// keep clear of the special tokens at the top of the range
	return int64(utils.HashString(word) % (clipStartToken - 1))
}

// SplitWords splits text into runs of letters/digits; each punctuation rune is its own word.
func SplitWords(text string) []string {
	var words []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			words = append(words, string(r))
		}
	}
	flush()
	return words
}
