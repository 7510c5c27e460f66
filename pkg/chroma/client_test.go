package chroma

import (
	"strings"
	"testing"
	"time"

	msgdomain "inbox-agent/internal/message/domain"

	"github.com/stretchr/testify/assert"
)

func TestDocumentTextIsBounded(t *testing.T) {
	text := documentText("Invoice", strings.Repeat("x", 2*maxDocumentLen))
	assert.True(t, strings.HasPrefix(text, "Subject: Invoice\n\nBody: x"))
	assert.LessOrEqual(t, len(text), maxDocumentLen+3)
}

func TestDescribe(t *testing.T) {
	m := &msgdomain.Message{
		From:       "dana@example.com",
		Subject:    "Budget review",
		ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "2026-03-02 from dana@example.com: Budget review", describe(m))

	m.Shallow = msgdomain.NullShallow{Valid: true, Result: msgdomain.ShallowResult{Summary: "asks to meet"}}
	assert.Equal(t, "2026-03-02 from dana@example.com: Budget review (asks to meet)", describe(m))
}
