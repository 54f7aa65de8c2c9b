package script

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// scriptTypes are the <script type> values treated as JavaScript.
var scriptTypes = map[string]bool{
	"":                       true,
	"text/javascript":        true,
	"application/javascript": true,
	"module":                 true,
}

// extractScripts returns the inline script bodies of an HTML document in
// document order. Scripts with a src attribute or a non-JavaScript type are
// skipped. A document with no markup at all is treated as a bare script.
func extractScripts(document string) ([]string, error) {
	if !strings.Contains(document, "<") {
		return []string{document}, nil
	}

	var scripts []string
	tokenizer := html.NewTokenizer(strings.NewReader(document))
	inScript := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != io.EOF {
				return nil, fmt.Errorf("tokenize document: %w", err)
			}
			return scripts, nil

		case html.StartTagToken:
			tn, hasAttr := tokenizer.TagName()
			if strings.ToLower(string(tn)) != "script" {
				continue
			}
			inScript = runnable(tokenizer, hasAttr)

		case html.TextToken:
			if inScript {
				if body := string(tokenizer.Text()); strings.TrimSpace(body) != "" {
					scripts = append(scripts, body)
				}
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if strings.ToLower(string(tn)) == "script" {
				inScript = false
			}
		}
	}
}

func runnable(tokenizer *html.Tokenizer, hasAttr bool) bool {
	typ := ""
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = tokenizer.TagAttr()
		switch strings.ToLower(string(key)) {
		case "src":
			return false
		case "type":
			typ = strings.ToLower(strings.TrimSpace(string(val)))
		}
	}
	return scriptTypes[typ]
}
