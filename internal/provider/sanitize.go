package provider

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// textPolicy strips every tag. Script and style elements lose their
// content too, not just their tags.
var textPolicy = bluemonday.StrictPolicy()

// maxDecodeRounds bounds entity decoding for nested encodings like
// &amp;amp;lt;. Each round strictly shrinks the string, so this is only
// a backstop.
const maxDecodeRounds = 8

// plainEntities undoes the escaping bluemonday applies to kept text.
// "&lt;" is deliberately absent: a literal "<" stays encoded, so the
// result can never contain an opening tag.
var plainEntities = strings.NewReplacer(
	"&amp;", "&",
	"&#39;", "'",
	"&#34;", `"`,
	"&quot;", `"`,
	"&gt;", ">",
)

// SanitizeText turns model output into plain text: markup is removed,
// line breaks are kept.
//
// Entities are decoded before stripping, never after, so encoded markup
// such as &lt;script&gt; is removed like a literal tag instead of being
// turned back into one.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	for i := 0; i < maxDecodeRounds; i++ {
		decoded := html.UnescapeString(s)
		if decoded == s {
			break
		}
		s = decoded
	}
	s = plainEntities.Replace(textPolicy.Sanitize(s))
	return strings.TrimSpace(s)
}

// SanitizeLine is SanitizeText for single-line fields such as error
// messages and the inbound user message: all whitespace runs, newlines
// included, collapse to one space.
func SanitizeLine(s string) string {
	return strings.Join(strings.Fields(SanitizeText(s)), " ")
}
