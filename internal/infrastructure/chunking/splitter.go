package chunking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is roughly 30k tokens of English prose.
const DefaultMaxChars = 120000

var chapterHeading = regexp.MustCompile(`(?m)^[ \t]*(?:CHAPTER|Chapter|BOOK|Book)[ \t]+[IVXLC\d]+\b`)

// Splitter cuts text at natural break points: chapter headings first, then
// paragraphs, then sentences, and as a last resort fixed windows. No
// returned chunk is longer than MaxChars runes.
type Splitter struct {
	MaxChars int
}

func NewSplitter(maxChars int) *Splitter {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Splitter{MaxChars: maxChars}
}

func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= s.MaxChars {
		return []string{text}
	}

	sections := splitChapters(text)
	out := make([]string, 0, len(sections))
	for _, section := range sections {
		section = strings.TrimSpace(section)
		switch {
		case section == "":
		case runeLen(section) <= s.MaxChars:
			out = append(out, section)
		default:
			out = append(out, s.packParagraphs(section)...)
		}
	}
	return out
}

func splitChapters(text string) []string {
	idx := chapterHeading.FindAllStringIndex(text, -1)
	if len(idx) == 0 {
		return []string{text}
	}
	out := make([]string, 0, len(idx)+1)
	prev := 0
	for _, loc := range idx {
		if loc[0] > prev {
			out = append(out, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	return append(out, text[prev:])
}

// packParagraphs greedily joins blank-line separated paragraphs while the
// chunk stays within MaxChars.
func (s *Splitter) packParagraphs(text string) []string {
	var (
		out     []string
		current string
	)
	emit := func() {
		if c := strings.TrimSpace(current); c != "" {
			out = append(out, c)
		}
		current = ""
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if current == "" && runeLen(paragraph) <= s.MaxChars {
			current = paragraph
			continue
		}
		if current != "" && runeLen(current)+2+runeLen(paragraph) <= s.MaxChars {
			current += "\n\n" + paragraph
			continue
		}
		emit()
		if runeLen(paragraph) <= s.MaxChars {
			current = paragraph
			continue
		}
		pieces := s.packSentences(paragraph)
		out = append(out, pieces[:len(pieces)-1]...)
		current = pieces[len(pieces)-1]
	}
	emit()
	return out
}

func (s *Splitter) packSentences(paragraph string) []string {
	var (
		out     []string
		current string
	)
	for _, sentence := range splitSentences(paragraph) {
		if current != "" && runeLen(current)+1+runeLen(sentence) <= s.MaxChars {
			current += " " + sentence
			continue
		}
		if current != "" {
			out = append(out, current)
			current = ""
		}
		if runeLen(sentence) <= s.MaxChars {
			current = sentence
			continue
		}
		windows := forceSplit(sentence, s.MaxChars)
		out = append(out, windows[:len(windows)-1]...)
		current = windows[len(windows)-1]
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// splitSentences breaks after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		if !strings.ContainsRune(".!?", runes[i]) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start : i+1])); sentence != "" {
			out = append(out, sentence)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func forceSplit(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
