package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	htmlTagRe    = regexp.MustCompile(`(?i)<(html|head|body|div|p|span|script|style|img|h[1-6]|table|tr|td|br|a|ul|li)\b`)
	horizontalRe = regexp.MustCompile(`[ \t\f\v\r\x{00a0}]+`)
	lineLeadRe   = regexp.MustCompile(`\n `)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)

	roleKeywords = []string{"chair", "director", "ceo", "president", "member"}

	blockTags = map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true, "ul": true, "ol": true,
		"section": true, "article": true, "table": true, "header": true, "footer": true,
		"blockquote": true, "dd": true, "dt": true,
	}
)

// Preprocess cleans text for the LLM. HTML input loses script and style
// blocks and its markup; entities are decoded; image alt and title
// attributes mentioning a role keyword are kept as bracketed hints;
// headings become "#" markers. Runs of spaces collapse to one and runs of
// blank lines to a single blank line.
func Preprocess(text string) string {
	if !htmlTagRe.MatchString(text) {
		return collapseWhitespace(html.UnescapeString(text))
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(text))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed markup; keep what was decoded so far.
			return collapseWhitespace(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if level := headingLevel(tag); level > 0 {
				b.WriteString("\n\n" + strings.Repeat("#", level) + " ")
			} else if blockTags[tag] {
				b.WriteString("\n")
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				k := string(key)
				if (k == "alt" || k == "title") && hasRoleKeyword(string(val)) {
					b.WriteString(" [" + strings.TrimSpace(string(val)) + "] ")
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case headingLevel(tag) > 0:
				b.WriteString("\n\n")
			case blockTags[tag]:
				b.WriteString("\n")
			}
		}
	}
}

func headingLevel(tag string) int {
	if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
		return int(tag[1] - '0')
	}
	return 0
}

func hasRoleKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, k := range roleKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func collapseWhitespace(s string) string {
	s = horizontalRe.ReplaceAllString(s, " ")
	s = lineLeadRe.ReplaceAllString(s, "\n")
	return blankRunRe.ReplaceAllString(s, "\n\n")
}
