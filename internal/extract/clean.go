package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// The LLM handles messy text fine; cleaning only strips markup noise and
// collapses whitespace so the prompt spends tokens on content.
var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockRe  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr)>`)
	brRe     = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	paraRe   = regexp.MustCompile(`\n\s*\n`)
)

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

// maxPromptChars bounds the cleaned text fed to the extractor. Long pages
// get a truncation marker so the model knows content was cut.
const maxPromptChars = 15000

// CleanHTML strips HTML to plain text, keeping block structure as newlines.
func CleanHTML(html string) string {
	html = scriptRe.ReplaceAllString(html, "")
	html = styleRe.ReplaceAllString(html, "")
	html = blockRe.ReplaceAllString(html, "\n")
	html = brRe.ReplaceAllString(html, "\n")
	html = tagRe.ReplaceAllString(html, " ")
	html = spaceRe.ReplaceAllString(html, " ")
	html = paraRe.ReplaceAllString(html, "\n\n")
	html = entityReplacer.Replace(html)
	return strings.TrimSpace(html)
}

// Truncate caps text at maxPromptChars with an explicit marker. The cut
// backs off to a rune boundary so the prompt never carries invalid UTF-8.
func Truncate(text string) string {
	if len(text) <= maxPromptChars {
		return text
	}
	cut := maxPromptChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n\n[TRUNCATED]"
}
