package ollama

const narrationPrompt = `You prepare written text for text-to-speech narration.
Rewrite the text below so it reads naturally aloud while keeping every word of
the original content.

Rules:
- Drop standalone chapter numbers and headers that repeat the opening line.
- Spell out numbers, dates, symbols and abbreviations ("Dr." -> "Doctor", "%" -> "percent").
- Make speaker attribution clear in dialogue.
- Remove page numbers, footnote markers, figure captions and publishing notices.
- Keep the author's voice and period language. Never summarize, paraphrase or translate.

Output only the rewritten text, without commentary.

Text:
`

func buildNarrationPrompt(text string) string {
	return narrationPrompt + text
}
