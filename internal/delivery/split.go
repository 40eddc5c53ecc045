package delivery

import "unicode/utf8"

// DefaultMaxChunk is the largest chunk sent in one message, in characters.
const DefaultMaxChunk = 4000

// Split cuts text into ordered chunks of at most maxLen characters.
// Each cut prefers, in order: the last paragraph break at or past half of
// maxLen, the last sentence break (". ") at or past half, the last
// whitespace at or past 80%, and finally a hard cut at maxLen. Delimiters
// stay with the chunk they end and nothing is trimmed, so joining the
// chunks reproduces text exactly.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxChunk
	}
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > maxLen {
		cut := cutPoint(runes[:maxLen], maxLen)
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// cutPoint picks the rune offset to cut window (len == maxLen) at.
func cutPoint(window []rune, maxLen int) int {
	half := maxLen / 2
	if i := lastIndex(window, []rune("\n\n")); i >= half {
		return i + 2
	}
	if i := lastIndex(window, []rune(". ")); i >= half {
		return i + 2
	}
	if i := lastSpace(window); i >= maxLen*8/10 {
		return i + 1
	}
	return maxLen
}

func lastIndex(s, sep []rune) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lastSpace(s []rune) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\n', '\t', '\r':
			return i
		}
	}
	return -1
}

// Len returns text's length in characters, the unit Split measures.
func Len(text string) int { return utf8.RuneCountInString(text) }
