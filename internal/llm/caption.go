package llm

import "strings"

// CleanCaption normalizes raw model output into a single-line caption.
// Reasoning blocks are dropped, surrounding quotes removed and runs of
// whitespace collapsed. The result may be empty.
func CleanCaption(s string) string {
	s = stripThinkingTags(s)
	s = strings.Trim(s, "\"'` ")
	return strings.Join(strings.Fields(s), " ")
}

// stripThinkingTags removes <think>...</think> blocks. Some vision models
// (e.g. qwen-vl) wrap their reasoning in these tags.
func stripThinkingTags(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s, "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
