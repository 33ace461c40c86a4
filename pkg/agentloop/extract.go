package agentloop

import (
	"regexp"
	"strings"
)

// resultPattern matches the first <result>...</result> block, `.` matching
// newlines, non-greedy so only the first block is captured (spec §4.4 step
// 4c, "Output extraction contracts").
var resultPattern = regexp.MustCompile(`(?s)<result>(.*?)</result>`)

// codeBlockPattern matches the first triple-backtick fence with an optional
// "python" language tag, requiring a newline before the body (spec §4.4
// "Output extraction contracts").
var codeBlockPattern = regexp.MustCompile("(?s)```(?:python)?\n(.*?)```")

// ExtractResult returns the trimmed inner text of the first <result>...
// </result> block in text, and whether one was found. The Job Service does
// its own substring check for Tester pass/fail — no JSON validation happens
// here (spec §4.4).
func ExtractResult(text string) (string, bool) {
	m := resultPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ExtractCodeBlock returns the trimmed body of the first fenced code block
// in text, and whether one was found.
func ExtractCodeBlock(text string) (string, bool) {
	m := codeBlockPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
