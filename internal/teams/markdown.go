package teams

import (
	"regexp"
	"strings"
)

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"{", `\{`,
	"}", `\}`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	".", `\.`,
	"!", `\!`,
	"`", "\\`",
)

// MarkdownEscape backslash-escapes every markdown control character in data.
func MarkdownEscape(data string) string {
	return markdownEscaper.Replace(data)
}

// CodeBlock fences data. Backticks inside are doubled.
func CodeBlock(data string) string {
	return "\n```\n" + strings.ReplaceAll(data, "`", "``") + "\n```\n"
}

var setupPrefix = regexp.MustCompile(`(?i)setup/`)

// setupFileName drops the first "setup/" segment, in any case, from an
// executable path so it names a file inside the setup container.
func setupFileName(executable string) string {
	loc := setupPrefix.FindStringIndex(executable)
	if loc == nil {
		return executable
	}
	return executable[:loc[0]] + executable[loc[1]:]
}
