package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/seeker/internal/search"
)

const (
	// Sentinel is the literal marker the model is instructed to emit at the
	// true end of its answer. It is detected by the streaming client and
	// never surfaced to the end user.
	Sentinel = "END OF RESPONSE"

	promptResultLimit = 5
	snippetLimit      = 400
	answerBoxLimit    = 500
)

// BuildPrompt renders the instruction prompt for one query and its search
// results. Pure and deterministic: identical inputs produce identical output.
func BuildPrompt(query string, res *search.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are an AI assistant that provides helpful, accurate, thorough, and complete answers based on search results.

USER QUERY: %s

Your task is to analyze and synthesize the following search results to provide a comprehensive answer to the user's question.
Focus on being accurate, detailed, and complete in your response.

`, query)

	if res != nil && len(res.AnswerBox) > 0 {
		text, _ := res.AnswerBox["answer"].(string)
		if text == "" {
			text, _ = res.AnswerBox["snippet"].(string)
		}
		if text != "" {
			b.WriteString("FEATURED ANSWER:\n")
			b.WriteString(truncate(text, answerBoxLimit))
			b.WriteString("\n\n")
		}
	}

	b.WriteString("SEARCH RESULTS:\n")
	if res != nil {
		for i, org := range res.Organic {
			if i >= promptResultLimit {
				break
			}
			title := org.Title
			if title == "" {
				title = "No Title"
			}
			snippet := org.Snippet
			if snippet == "" {
				snippet = "No Snippet"
			}
			link := org.Link
			if link == "" {
				link = "No Link"
			}
			fmt.Fprintf(&b, "%d. %s\n   %s\n   Source: %s\n\n", i+1, title, truncate(snippet, snippetLimit), link)
		}
	}

	fmt.Fprintf(&b, `INSTRUCTIONS:
1. Provide a thorough and complete answer to the user's query.
2. Structure your response with a clear beginning, middle, and conclusion.
3. Include relevant facts, explanations, and context from the search results.
4. If the information is not sufficient, acknowledge this limitation.
5. Do not include phrases like "Based on the search results" or "According to the information provided" in your answer.
6. Write in a helpful, informative tone.
7. Always finish your response with a proper conclusion or summary.
8. Make sure your answer is complete and doesn't cut off mid-explanation.
9. End your response with the phrase "%s" to indicate you have finished.

Remember: Your goal is to provide a complete, well-structured answer that fully addresses the user's question.

Begin your response now:
`, Sentinel)

	return b.String()
}

// FallbackAnswer is the templated response substituted when generation
// produces nothing usable.
func FallbackAnswer(query string) string {
	return fmt.Sprintf("I'm sorry, I couldn't generate a complete response for '%s'. Please try a more specific question or check back later.", query)
}

// truncate caps s at limit characters. Limits are rune counts, and the cut
// lands on a rune boundary so multi-byte text stays valid UTF-8.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit-3]) + "..."
}
