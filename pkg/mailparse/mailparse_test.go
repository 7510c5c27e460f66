package mailparse

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipart = "From: Alice Smith <Alice@Example.com>\r\n" +
	"To: me@example.com, Bob <bob@example.com>\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: Planning sync\r\n" +
	"Date: Mon, 02 Mar 2026 09:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Can we meet <b>Tuesday</b> at 3pm?</p>\r\n" +
	"--XYZ--\r\n"

func TestParseMultipart(t *testing.T) {
	msg, err := Parse([]byte(multipart))
	require.NoError(t, err)

	want := &Message{
		MessageID: "abc@example.com",
		From:      "alice@example.com",
		FromName:  "Alice Smith",
		To:        []string{"me@example.com", "bob@example.com"},
		Cc:        []string{"carol@example.com"},
		Subject:   "Planning sync",
		Text:      "Can we meet Tuesday at 3pm?",
		Snippet:   "Can we meet Tuesday at 3pm?",
	}
	if diff := cmp.Diff(want, msg, cmp.FilterPath(func(p cmp.Path) bool {
		return p.String() == "Date"
	}, cmp.Ignore())); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2026, msg.Date.Year())
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice <ALICE@example.com>", "alice@example.com"},
		{"  bob@Example.com ", "bob@example.com"},
		{"Carol <carol@example.com", "carol@example.com"},
		{"no address", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := Truncate(s, 5)
	assert.Equal(t, "éé", got)
}
