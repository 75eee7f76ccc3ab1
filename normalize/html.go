package normalize

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML returns only the visible text of an HTML fragment, with
// entities decoded and surrounding whitespace trimmed. Plain text
// passes through unchanged.
func StripHTML(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))

	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input: either way, keep what we have.
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(tokenizer.Text())
		}
	}
}
