// Package chunker splits conversation text into retrieval-sized spans.
package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultTargetSize = 512
	DefaultOverlap    = 50
)

// Chunker splits text on sentence boundaries where possible, packing
// sentences up to the target size. Sentences longer than the target size
// fall back to a fixed-size sliding window that shares `overlap` characters
// between adjacent spans.
//
// Chunking is deterministic: the same input and parameters always yield the
// same spans, which keeps derived chunk ids stable across runs.
type Chunker struct {
	targetSize int
	overlap    int
	sentenceRe *regexp.Regexp
}

func New(targetSize, overlap int) *Chunker {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= targetSize {
		overlap = targetSize / 4
	}
	return &Chunker{
		targetSize: targetSize,
		overlap:    overlap,
		// Latin and CJK sentence terminators, plus newlines as soft boundaries.
		sentenceRe: regexp.MustCompile(`[^.!?。！？\n]*[.!?。！？\n]+`),
	}
}

// Chunk returns the ordered spans for text. Empty or whitespace-only input
// yields no spans.
func (c *Chunker) Chunk(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	sentences := c.splitSentences(trimmed)

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, sentence := range sentences {
		if len(sentence) > c.targetSize {
			flush()
			chunks = append(chunks, c.slidingWindow(sentence)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(sentence)+1 > c.targetSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	flush()

	return chunks
}

func (c *Chunker) splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range c.sentenceRe.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	// Text without a trailing terminator still counts as a sentence.
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// slidingWindow splits an oversized sentence into fixed-size rune windows
// with c.overlap characters shared between adjacent windows.
func (c *Chunker) slidingWindow(text string) []string {
	runes := []rune(text)
	step := c.targetSize - c.overlap
	if step <= 0 {
		step = c.targetSize
	}

	var spans []string
	for i := 0; i < len(runes); i += step {
		end := i + c.targetSize
		if end > len(runes) {
			end = len(runes)
		}
		if s := strings.TrimSpace(string(runes[i:end])); s != "" {
			spans = append(spans, s)
		}
		if end == len(runes) {
			break
		}
	}
	return spans
}
