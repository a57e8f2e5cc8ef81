// Package chunking implements the two chunking regimes of the ingestion
// pipeline: word-targeted ingestion chunks with boundary-aware cuts and
// overlap, and sentence-granular embedding chunks with byte offsets.
package chunking

import (
	"strings"
	"unicode"
)

// Boundary records what kind of cut produced a chunk's end.
type Boundary string

const (
	BoundaryParagraph Boundary = "paragraph"
	BoundarySentence  Boundary = "sentence"
	BoundaryPause     Boundary = "pause"
	BoundaryHard      Boundary = "hard"
	BoundaryEnd       Boundary = "end"
)

// Config controls the ingestion chunker. Words are whitespace tokens.
type Config struct {
	TargetWords  int
	MinWords     int
	MaxWords     int
	OverlapWords int
	SearchWindow int
}

// DefaultConfig returns the standard ingestion chunking parameters.
func DefaultConfig() Config {
	return Config{
		TargetWords:  1000,
		MinWords:     800,
		MaxWords:     1500,
		OverlapWords: 200,
		SearchWindow: 100,
	}
}

// WithTarget derives a config from a per-job target word count, scaling the
// min/max bounds and keeping overlap unless it no longer fits.
func (c Config) WithTarget(target int) Config {
	if target <= 0 {
		return c
	}
	out := c
	out.TargetWords = target
	out.MinWords = target * 8 / 10
	out.MaxWords = target * 3 / 2
	if out.OverlapWords >= target {
		out.OverlapWords = target / 5
	}
	if out.SearchWindow > target/2 {
		out.SearchWindow = target / 10
	}
	return out
}

// Chunk is one ingestion chunk. Text is the exact substring of the input
// between StartChar and EndChar; Number is 1-indexed.
type Chunk struct {
	Text      string
	StartChar int
	EndChar   int
	Number    int
	WordCount int
	Boundary  Boundary
}

type word struct {
	start int
	end   int
}

// Chunker cuts documents into ingestion chunks.
type Chunker struct {
	cfg Config
}

// NewChunker creates a chunker, filling zero config fields from defaults.
func NewChunker(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.TargetWords <= 0 {
		cfg.TargetWords = def.TargetWords
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = cfg.TargetWords * 8 / 10
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = cfg.TargetWords * 3 / 2
	}
	if cfg.OverlapWords < 0 || cfg.OverlapWords >= cfg.TargetWords {
		cfg.OverlapWords = def.OverlapWords
		if cfg.OverlapWords >= cfg.TargetWords {
			cfg.OverlapWords = cfg.TargetWords / 5
		}
	}
	if cfg.SearchWindow <= 0 {
		cfg.SearchWindow = def.SearchWindow
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config { return c.cfg }

// Chunk splits text into ingestion chunks. A document of N words yields
// ceil((N-overlap)/(target-overlap)) chunks when no boundary adjustment
// applies; the last chunk may be short. Consecutive chunks overlap by
// roughly OverlapWords words.
func (c *Chunker) Chunk(text string) []Chunk {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}

	if len(words) <= c.cfg.MaxWords {
		return []Chunk{c.makeChunk(text, words, 0, len(words), 1, BoundaryEnd)}
	}

	var chunks []Chunk
	start := 0
	number := 1
	for start < len(words) {
		targetEnd := start + c.cfg.TargetWords
		if targetEnd >= len(words) {
			chunks = append(chunks, c.makeChunk(text, words, start, len(words), number, BoundaryEnd))
			break
		}

		end, boundary := c.findBoundary(text, words, start, targetEnd)
		chunks = append(chunks, c.makeChunk(text, words, start, end, number, boundary))
		number++

		next := end - c.cfg.OverlapWords
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func (c *Chunker) makeChunk(text string, words []word, start, end, number int, boundary Boundary) Chunk {
	return Chunk{
		Text:      text[words[start].start:words[end-1].end],
		StartChar: words[start].start,
		EndChar:   words[end-1].end,
		Number:    number,
		WordCount: end - start,
		Boundary:  boundary,
	}
}

// findBoundary picks the cut index nearest targetEnd inside the search
// window, preferring paragraph breaks over sentence ends over pauses. When
// nothing in the window qualifies the cut lands exactly on targetEnd.
func (c *Chunker) findBoundary(text string, words []word, start, targetEnd int) (int, Boundary) {
	lo := targetEnd - c.cfg.SearchWindow
	if lo <= start {
		lo = start + 1
	}
	hi := targetEnd + c.cfg.SearchWindow
	if hi > len(words) {
		hi = len(words)
	}

	bestPara, bestSent, bestPause := -1, -1, -1
	bestParaDist, bestSentDist, bestPauseDist := 1<<30, 1<<30, 1<<30

	for i := lo; i < hi; i++ {
		dist := i - targetEnd
		if dist < 0 {
			dist = -dist
		}
		switch classifyCut(text, words, i) {
		case BoundaryParagraph:
			if dist < bestParaDist {
				bestPara, bestParaDist = i, dist
			}
		case BoundarySentence:
			if dist < bestSentDist {
				bestSent, bestSentDist = i, dist
			}
		case BoundaryPause:
			if dist < bestPauseDist {
				bestPause, bestPauseDist = i, dist
			}
		}
	}

	switch {
	case bestPara >= 0:
		return bestPara, BoundaryParagraph
	case bestSent >= 0:
		return bestSent, BoundarySentence
	case bestPause >= 0:
		return bestPause, BoundaryPause
	default:
		return targetEnd, BoundaryHard
	}
}

// classifyCut inspects the seam before word i: the chunk would end with word
// i-1 and the next chunk region begins at word i.
func classifyCut(text string, words []word, i int) Boundary {
	if i <= 0 || i >= len(words) {
		return BoundaryHard
	}
	prev := text[words[i-1].start:words[i-1].end]
	gap := text[words[i-1].end:words[i].start]
	next := text[words[i].start:words[i].end]

	if strings.Count(gap, "\n") >= 2 {
		return BoundaryParagraph
	}
	if endsSentence(prev) && startsUpper(next) {
		return BoundarySentence
	}
	switch prev[len(prev)-1] {
	case ',', ';', ':':
		return BoundaryPause
	}
	return BoundaryHard
}

func endsSentence(w string) bool {
	for len(w) > 0 {
		switch w[len(w)-1] {
		case '"', '\'', ')', ']':
			w = w[:len(w)-1]
		case '.', '!', '?':
			return true
		default:
			return false
		}
	}
	return false
}

func startsUpper(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r) || unicode.IsDigit(r)
	}
	return false
}

func splitWords(text string) []word {
	var words []word
	start := -1
	for i := 0; i < len(text); i++ {
		if isSpace(text[i]) {
			if start >= 0 {
				words = append(words, word{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start: start, end: len(text)})
	}
	return words
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// WordCount counts whitespace-delimited tokens, the unit every chunking and
// estimation parameter is expressed in.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
