// Package tokenizer implements the CLIP byte-level BPE tokenizer used by the CLIP and
// open_clip text encoders. It reads the Hugging Face vocab.json and merges.txt files.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Special tokens that wrap every sequence.
const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"

	// DefaultContextLength is the sequence length every released CLIP text tower expects.
	DefaultContextLength = 77

	wordSuffix = "</w>"

	// bpeCacheSize bounds the memo of merged words; query text is user input.
	bpeCacheSize = 10000
)

var (
	splitPattern = regexp.MustCompile(
		`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)
	whitespace = regexp.MustCompile(`\s+`)

	errMissingSpecial = errors.New("vocabulary is missing a special token")
)

// Tokenizer is safe for concurrent use.
type Tokenizer struct {
	encoder       map[string]int
	ranks         map[string]int
	byteEncoder   [256]string
	contextLength int
	sot, eot      int

	cache *lru.Cache[string, []string]
}

// Load reads vocab.json and merges.txt. contextLength <= 0 selects DefaultContextLength.
func Load(vocabPath, mergesPath string, contextLength int) (*Tokenizer, error) {
	vocabFile, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}

	vocab := make(map[string]int)
	if err := json.Unmarshal(vocabFile, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", vocabPath, err)
	}

	mergesFile, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("open merges: %w", err)
	}
	defer mergesFile.Close()

	var merges [][2]string

	scanner := bufio.NewScanner(mergesFile)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge %q in %s", line, mergesPath)
		}

		merges = append(merges, [2]string{parts[0], parts[1]})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}

	return New(vocab, merges, contextLength)
}

// New builds a tokenizer from an in-memory vocabulary and an ordered merge list.
func New(vocab map[string]int, merges [][2]string, contextLength int) (*Tokenizer, error) {
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}

	if contextLength < 2 {
		return nil, fmt.Errorf("context length %d cannot hold start and end tokens", contextLength)
	}

	sot, ok := vocab[StartOfText]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingSpecial, StartOfText)
	}

	eot, ok := vocab[EndOfText]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingSpecial, EndOfText)
	}

	ranks := make(map[string]int, len(merges))
	for i, m := range merges {
		key := m[0] + " " + m[1]
		if _, dup := ranks[key]; !dup {
			ranks[key] = i
		}
	}

	cache, err := lru.New[string, []string](bpeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create bpe cache: %w", err)
	}

	t := &Tokenizer{
		encoder:       vocab,
		ranks:         ranks,
		byteEncoder:   bytesToUnicode(),
		contextLength: contextLength,
		sot:           sot,
		eot:           eot,
		cache:         cache,
	}

	return t, nil
}

// ContextLength is the fixed sequence length produced by Tokenize.
func (t *Tokenizer) ContextLength() int {
	return t.contextLength
}

// Encode cleans text and returns its BPE token ids without special tokens.
func (t *Tokenizer) Encode(text string) []int {
	text = cleanText(text)

	var ids []int

	for _, word := range splitPattern.FindAllString(text, -1) {
		var sb strings.Builder
		for _, b := range []byte(word) {
			sb.WriteString(t.byteEncoder[b])
		}

		for _, piece := range t.bpe(sb.String()) {
			if id, ok := t.encoder[piece]; ok {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

// Tokenize returns the model input for text: start token, BPE ids, end token, zero padded to
// ContextLength. Overlong input is truncated and the last slot is forced to the end token.
func (t *Tokenizer) Tokenize(text string) []int64 {
	ids, _ := t.TokenizeWithLength(text)

	return ids
}

// TokenizeWithLength is Tokenize plus the number of non-padding positions, which is what an
// attention mask needs.
func (t *Tokenizer) TokenizeWithLength(text string) ([]int64, int) {
	out := make([]int64, t.contextLength)
	out[0] = int64(t.sot)

	n := 1
	for _, id := range t.Encode(text) {
		if n >= t.contextLength-1 {
			break
		}

		out[n] = int64(id)
		n++
	}

	out[n] = int64(t.eot)

	return out, n + 1
}

func cleanText(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = whitespace.ReplaceAllString(text, " ")

	return strings.ToLower(strings.TrimSpace(text))
}

func (t *Tokenizer) bpe(token string) []string {
	if token == StartOfText || token == EndOfText {
		return []string{token}
	}

	if cached, ok := t.cache.Get(token); ok {
		return cached
	}

	runes := []rune(token)
	word := make([]string, len(runes))
	for i, r := range runes {
		word[i] = string(r)
	}

	if len(word) == 0 {
		return nil
	}

	word[len(word)-1] += wordSuffix

	for len(word) > 1 {
		best, bestRank := -1, -1
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.ranks[word[i]+" "+word[i+1]]; ok && (bestRank < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}

		if best < 0 {
			break
		}

		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word))

		for i := 0; i < len(word); {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i += 2

				continue
			}

			merged = append(merged, word[i])
			i++
		}

		word = merged
	}

	t.cache.Add(token, word)

	return word
}

// bytesToUnicode maps every byte to a printable rune so BPE never sees whitespace or
// control characters. Printable Latin-1 bytes map to themselves, the rest to 256+n.
func bytesToUnicode() [256]string {
	var table [256]string

	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}

	n := 0
	for b := range 256 {
		if printable(b) {
			table[b] = string(rune(b))

			continue
		}

		table[b] = string(rune(256 + n))
		n++
	}

	return table
}
