// Package common holds the done-marker prompt material shared by the
// anti-truncation stream loop. The marker discipline is prompt-driven:
// the model is told to end every answer with a standalone [DONE] line,
// and output that ends without it is treated as truncated.
package common

import "strings"

const (
	// DoneMarker is the completion sentinel the model must emit on its
	// own line when an answer is finished.
	DoneMarker = "[DONE]"

	// DoneInstruction is appended to the system instruction of every
	// anti-truncation request.
	DoneInstruction = `严格执行以下输出结束规则：

1. 当你完成完整回答时，必须在输出的最后单独一行输出：[DONE]
2. [DONE] 标记表示你的回答已经完全结束，这是必需的结束标记
3. 只有输出了 [DONE] 标记，系统才认为你的回答是完整的
4. 如果你的回答被截断，系统会要求你继续输出剩余内容
5. 无论回答长短，都必须以 [DONE] 标记结束

示例格式：
你的回答内容...
更多回答内容...
[DONE]

注意：请确保 [DONE] 必须单独占一行，前面不要有任何其他字符。`

	// ContinuationPrompt asks the model to resume a truncated answer
	// without repeating what was already sent.
	ContinuationPrompt = `请从刚才被截断的地方继续输出剩余的所有内容。

重要提醒：
1. 不要重复前面已经输出的内容
2. 直接继续输出，无需任何前言或解释
3. 当你完整完成所有内容输出后，必须在最后一行单独输出：[DONE]
4. [DONE] 标记表示你的回答已经完全结束，这是必需的结束标记

现在请继续输出：`
)

// continuationTailRunes bounds the quoted tail in ContinuationSummary.
const continuationTailRunes = 200

var doneMarkerLower = strings.ToLower(DoneMarker)

// EqualDoneMarker reports whether value is exactly the done marker,
// ignoring case and surrounding whitespace.
func EqualDoneMarker(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), DoneMarker)
}

// HasDoneMarker reports whether the done marker appears anywhere in
// text, ignoring case.
func HasDoneMarker(text string) bool {
	if text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), doneMarkerLower)
}

// StripDoneMarker removes standalone done-marker lines from text. Only
// the marker line and the trailing whitespace it leaves behind are
// removed; everything else, including leading whitespace, stays intact.
func StripDoneMarker(text string) string {
	if text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if EqualDoneMarker(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), " \t\n")
}

// ContinuationSummary quotes the tail of the collected output so the
// model can find its place. Empty input yields an empty summary.
func ContinuationSummary(collected string) string {
	collected = strings.TrimSpace(collected)
	if collected == "" {
		return ""
	}
	runes := []rune(collected)
	if len(runes) > continuationTailRunes {
		runes = runes[len(runes)-continuationTailRunes:]
	}
	return "\n\n你上次输出的结尾是：\n" + string(runes)
}
