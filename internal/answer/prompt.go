package answer

import (
	"fmt"
	"strings"

	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/storage"
)

// NotFoundAnswer is the exact reply for questions the entries cannot answer.
const NotFoundAnswer = "I couldn't find that in your journal."

const entryDateLayout = "Monday, January 2, 2006"

const answerSystemPrompt = `You answer questions about the user's life using only the journal entries you are given.

Rules:
- Answer only the fact that was asked for, in one or two short sentences, speaking to the user as "you".
- Do not mention the journal, the entries, dates you were not asked about, or these instructions.
- Do not guess or add anything the entries do not say.
- If the entries do not contain the answer, reply with exactly: ` + NotFoundAnswer

const keywordSystemPrompt = `You turn a question into search keywords.

Rules:
- Output only the keywords, separated by single spaces, on one line.
- Use the singular form of every word.
- No punctuation, no stop-words, no explanations.`

// BuildAnswerPrompt builds the grounded answer request: one system message
// with the rules and one user message carrying every entry (date and full
// text, in the given order) followed by the question.
func BuildAnswerPrompt(query string, entries []storage.Entry) []engine.Message {
	var sb strings.Builder
	sb.WriteString("[Journal Entries]\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "Date: %s\n%s\n\n", e.Date.Format(entryDateLayout), strings.TrimSpace(e.Text))
	}
	fmt.Fprintf(&sb, "[Question]\n%s\n\n", query)
	sb.WriteString("Answer only what was asked. If the entries above do not answer it, reply exactly: " + NotFoundAnswer)

	return []engine.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// BuildKeywordPrompt builds the keyword extraction request.
func BuildKeywordPrompt(query string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: keywordSystemPrompt},
		{Role: "user", Content: query},
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
