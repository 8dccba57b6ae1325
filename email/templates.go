package email

import (
	"fmt"
	"strings"

	"article-notifier/pkg/notifier"
)

func (s *Sender) formatNotificationBody(n notifier.Notification) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".card { display: flex; gap: 16px; align-items: flex-start; border-bottom: 2px solid #e11d48; padding-bottom: 16px; }\n")
	b.WriteString(".icon { width: 72px; height: 72px; object-fit: cover; border-radius: 8px; }\n")
	b.WriteString(".title { font-size: 1.1em; font-weight: 600; margin: 0 0 4px 0; }\n")
	b.WriteString(".body { margin: 0; }\n")
	b.WriteString(".footer { margin-top: 16px; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #e11d48; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".footer { color: #a0a0a0; }\n")
	b.WriteString("a { color: #fb7185; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"card\">\n")
	if icon := s.absoluteURL(n.Icon); icon != "" {
		b.WriteString(fmt.Sprintf("<img class=\"icon\" src=\"%s\" alt=\"\">\n", escapeHTML(icon)))
	}
	b.WriteString("<div>\n")
	b.WriteString(fmt.Sprintf("<p class=\"title\">%s</p>\n", escapeHTML(n.Title)))
	if n.Body != "" {
		b.WriteString(fmt.Sprintf("<p class=\"body\">%s</p>\n", escapeHTML(n.Body)))
	}
	b.WriteString("</div>\n</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	if link := s.absoluteURL(n.URL); link != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Read now</a>\n", escapeHTML(link)))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// absoluteURL resolves site-relative paths and drops unsafe schemes.
func (s *Sender) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || !isSafeURL(u) {
		return ""
	}
	if strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//") {
		return strings.TrimSuffix(s.siteURL, "/") + u
	}
	return u
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows http, https and relative URLs only.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0)
}
