package mattermost

import (
	"fmt"
	"strings"
)

// formatter renders Mattermost-flavored markdown. Mattermost accepts
// standard markdown with backslash escapes, so most methods are thin.
type formatter struct{}

func (formatter) FormatBold(text string) string          { return "**" + text + "**" }
func (formatter) FormatItalic(text string) string        { return "_" + text + "_" }
func (formatter) FormatCode(text string) string          { return "`" + text + "`" }
func (formatter) FormatStrikethrough(text string) string { return "~~" + text + "~~" }

func (formatter) FormatCodeBlock(text, language string) string {
	return "```" + language + "\n" + text + "\n```"
}

func (formatter) FormatLink(text, url string) string {
	return "[" + text + "](" + url + ")"
}

func (formatter) FormatUserMention(username string) string {
	return "@" + username
}

func (formatter) FormatHorizontalRule() string { return "---" }

func (formatter) FormatListItem(text string) string { return "- " + text }

func (formatter) FormatNumberedListItem(index int, text string) string {
	return fmt.Sprintf("%d. %s", index, text)
}

func (formatter) FormatHeading(level int, text string) string {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " " + text
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	"*", `\*`,
	"_", `\_`,
	"~", `\~`,
	"#", `\#`,
	"[", `\[`,
	"]", `\]`,
	"|", `\|`,
	">", `\>`,
)

func (formatter) EscapeText(text string) string {
	return markdownEscaper.Replace(text)
}

func (formatter) FormatTable(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	seps := make([]string, len(headers))
	for i := range seps {
		seps[i] = "---"
	}
	b.WriteString("| " + strings.Join(seps, " | ") + " |\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (formatter) FormatKeyValueList(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "**%s**: %s\n", p[0], p[1])
	}
	return strings.TrimRight(b.String(), "\n")
}
