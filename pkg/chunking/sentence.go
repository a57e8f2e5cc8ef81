package chunking

// SentenceChunk is one embedding chunk of a source text. Text is always the
// exact byte slice full_text[Start:End]; Index is 0-based.
type SentenceChunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// abbreviations that end with a period without ending a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true, "etc": true,
	"inc": true, "ltd": true, "co": true, "corp": true, "fig": true,
	"e.g": true, "i.e": true, "al": true, "approx": true, "dept": true,
}

type span struct {
	start int
	end   int
}

// ChunkBySentence splits text into chunks of at most maxChars bytes, cutting
// only at sentence boundaries. A single sentence longer than maxChars becomes
// its own oversized chunk. Empty input yields no chunks; input without any
// sentence terminator yields a single chunk of the whole (trimmed) text.
func ChunkBySentence(text string, maxChars int) []SentenceChunk {
	if maxChars <= 0 {
		maxChars = 500
	}
	sentences := splitSentenceSpans(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []SentenceChunk
	cur := sentences[0]
	for _, s := range sentences[1:] {
		// Chunk length is the byte span in the original text, so the
		// full_text[start:end] == chunk_text invariant holds exactly.
		if s.end-cur.start > maxChars && cur.end > cur.start {
			chunks = appendChunk(chunks, text, cur)
			cur = s
			continue
		}
		cur.end = s.end
	}
	chunks = appendChunk(chunks, text, cur)
	return chunks
}

func appendChunk(chunks []SentenceChunk, text string, sp span) []SentenceChunk {
	return append(chunks, SentenceChunk{
		Index: len(chunks),
		Text:  text[sp.start:sp.end],
		Start: sp.start,
		End:   sp.end,
	})
}

// splitSentenceSpans scans text into sentence byte ranges. Terminators are
// . ! ? with guards for abbreviations, decimals and ellipses; closing quotes
// and brackets stay attached to their sentence.
func splitSentenceSpans(text string) []span {
	var spans []span
	n := len(text)
	i := 0
	for i < n {
		for i < n && isSpace(text[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		end := -1
		for j := i; j < n; j++ {
			ch := text[j]
			if ch != '.' && ch != '!' && ch != '?' {
				continue
			}
			if ch == '.' && !periodEndsSentence(text, j) {
				continue
			}
			// Consume the terminator run (e.g. "?!" or "...") and any
			// closing quotes or brackets.
			k := j + 1
			for k < n && (text[k] == '.' || text[k] == '!' || text[k] == '?') {
				k++
			}
			for k < n && isClosing(text[k]) {
				k++
			}
			if k < n && !isSpace(text[k]) {
				continue
			}
			end = k
			break
		}
		if end < 0 {
			end = n
			for end > start && isSpace(text[end-1]) {
				end--
			}
			spans = append(spans, span{start: start, end: end})
			break
		}
		spans = append(spans, span{start: start, end: end})
		i = end
	}
	return spans
}

func isClosing(b byte) bool {
	switch b {
	case '"', '\'', ')', ']', '}':
		return true
	}
	return false
}

// periodEndsSentence applies the decimal, ellipsis-interior and abbreviation
// guards to the period at position j.
func periodEndsSentence(text string, j int) bool {
	// Decimal numbers: 3.14
	if j > 0 && j+1 < len(text) && isDigit(text[j-1]) && isDigit(text[j+1]) {
		return false
	}
	// Interior of an ellipsis; the final period of the run still terminates.
	if j+1 < len(text) && text[j+1] == '.' {
		return false
	}
	// Abbreviation guard: inspect the word before the period.
	wordStart := j
	for wordStart > 0 && !isSpace(text[wordStart-1]) {
		wordStart--
	}
	w := lowerASCII(text[wordStart:j])
	for len(w) > 0 && !isAlphaNum(w[0]) {
		w = w[1:]
	}
	return !abbreviations[w]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isAlphaNum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || isDigit(b)
}

func lowerASCII(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'A' && b <= 'Z' {
			out[i] = b + ('a' - 'A')
		}
	}
	return string(out)
}
