// Package termtext turns terminal output into plain text for consumers that
// cannot render escape sequences.
package termtext

import "regexp"

// escapes matches, in order of precedence: CSI sequences, string-terminated
// sequences (OSC, DCS, PM, APC and the old screen title), charset and keypad
// selection, and any remaining two-byte escape.
var escapes = regexp.MustCompile(
	`\x1b\[[0-?]*[ -/]*[@-~]` +
		`|\x1b\].*?(?:\x07|\x1b\\)` +
		`|\x1b[P^_k].*?\x1b\\` +
		`|\x1b[()][0-9A-Za-z]` +
		`|\x1b[=>]` +
		`|\x1b.`)

// Plain strips escape sequences and carriage returns, applies backspaces, and
// drops the remaining control bytes except newlines and tabs.
func Plain(s string) string {
	s = escapes.ReplaceAllString(s, "")

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
		case ch == '\b':
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t':
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}
