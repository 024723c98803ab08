package compositor

import "unicode"

// Line is one wrapped caption line and its measured width.
type Line struct {
	Text  string
	Width float64
}

// MeasureFunc returns the rendered width of s.
type MeasureFunc func(s string) float64

// Wrap breaks text into lines no wider than maxWidth. Every single
// whitespace rune separates words, so runs of spaces keep their empty words.
// A line breaks before word i when adding it overflows, or when the
// separator before it is a newline. A lone word wider than maxWidth gets a
// line of its own. Empty text still yields one (empty) line.
func Wrap(text string, maxWidth float64, measure MeasureFunc) []Line {
	words, seps := splitWords(text)

	var lines []Line
	for len(words) > 0 {
		i := 0
		var line string
		var width float64
		for ; i < len(words); i++ {
			line = joinWords(words[:i+1])
			width = measure(line)
			if i > 0 && (width > maxWidth || seps[i-1] == '\n') {
				line = joinWords(words[:i])
				width = measure(line)
				break
			}
		}
		lines = append(lines, Line{Text: line, Width: width})
		words = words[i:]
		if i < len(seps) {
			seps = seps[i:]
		} else {
			seps = nil
		}
	}
	return lines
}

func splitWords(text string) ([]string, []rune) {
	var words []string
	var seps []rune
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			words = append(words, text[start:i])
			seps = append(seps, r)
			start = i + len(string(r))
		}
	}
	words = append(words, text[start:])
	return words, seps
}

func joinWords(words []string) string {
	n := len(words) - 1
	for _, w := range words {
		n += len(w)
	}
	buf := make([]byte, 0, n)
	for i, w := range words {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, w...)
	}
	return string(buf)
}
