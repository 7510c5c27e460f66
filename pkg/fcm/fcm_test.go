package fcm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortToken(t *testing.T) {
	assert.Equal(t, "abc", shortToken("abc"))
	assert.Equal(t, "0123456789abcdefghij...", shortToken("0123456789abcdefghijklmnop"))
}

func TestSendToNoDevices(t *testing.T) {
	res, err := (&Client{}).SendToDevices(context.Background(), nil, NotificationData{Title: "x"})
	require.NoError(t, err)
	assert.Empty(t, res.MessageIDs)
	assert.Empty(t, res.FailedTokens)
}
