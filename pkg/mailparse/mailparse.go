package mailparse

import (
	"bytes"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

const (
	maxBodyBytes = 64 << 10
	snippetLen   = 200
)

// Message is a parsed RFC 822 message, reduced to what the pipeline reads.
type Message struct {
	MessageID string
	From      string
	FromName  string
	To        []string
	Cc        []string
	Subject   string
	Date      time.Time
	Text      string
	Snippet   string
}

// NormalizeAddress lower-cases the bare address of s, accepting either
// "Name <a@b>" or "a@b". It returns "" when no address can be found.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}

// Parse reads a raw message. Unknown charsets degrade to raw bytes rather
// than failing the whole message.
func Parse(raw []byte) (*Message, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "reading message header")
	}
	defer mr.Close()

	out := &Message{}
	h := mr.Header
	out.MessageID, _ = h.MessageID()
	out.Subject, _ = h.Subject()
	out.Date, _ = h.Date()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = strings.ToLower(from[0].Address)
		out.FromName = from[0].Name
	}
	out.To = addressList(h, "To")
	out.Cc = addressList(h, "Cc")

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return nil, errors.Wrap(err, "reading message part")
		}
		inline, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := inline.ContentType()
		b, _ := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		switch {
		case ct == "text/plain" && plain == "":
			plain = string(b)
		case ct == "text/html" && html == "":
			html = string(b)
		}
	}
	if plain == "" && html != "" {
		plain = StripHTML(html)
	}
	out.Text = strings.TrimSpace(plain)
	out.Snippet = Truncate(collapseSpace(out.Text), snippetLen)
	return out, nil
}

func addressList(h gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	spacesRe = regexp.MustCompile(`\s+`)
)

// StripHTML removes tags and common entities.
func StripHTML(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	return strings.TrimSpace(collapseSpace(s))
}

func collapseSpace(s string) string {
	return spacesRe.ReplaceAllString(s, " ")
}

// Truncate cuts s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
