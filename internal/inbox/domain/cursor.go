package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Provider names the mailbox backend of an account.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

var (
	// ErrStalePosition is returned by a feed when the stored position is too
	// old to resume from. The poller falls back to a bootstrap.
	ErrStalePosition = errors.New("inbox position expired")
	// ErrCursorRegression is returned when a save would move a cursor back.
	ErrCursorRegression = errors.New("attempt to move inbox cursor backwards")
	// ErrMessageGone is returned by Fetch for a message deleted since it was
	// listed.
	ErrMessageGone = errors.New("message no longer exists")
	// ErrUnreadable is returned by Fetch for a message that was downloaded
	// but cannot be decoded or parsed. Fetching it again gives the same
	// result.
	ErrUnreadable = errors.New("message cannot be read")
)

// Cursor is the last fully recorded position of one account. Position is
// opaque outside the feed that produced it: a Gmail history ID, or
// "uidvalidity:uid" for IMAP.
type Cursor struct {
	AccountID string    `json:"account_id" gorm:"primaryKey"`
	Provider  Provider  `json:"provider" gorm:"not null"`
	Position  string    `json:"position" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Cursor) TableName() string { return "inbox_cursors" }

// Ref identifies a message seen in a change feed.
type Ref struct {
	ID       string
	ThreadID string
}

// Changes is one batch read from a feed, oldest first. Position is the feed
// tip after the batch and is saved once every ref has been recorded.
type Changes struct {
	Refs     []Ref
	Position string
}

// Regresses reports whether moving from position current to next goes
// backwards. Positions that cannot be compared (unparseable, or a new IMAP
// UIDVALIDITY) do not regress, so such a save is accepted.
func Regresses(p Provider, current, next string) bool {
	switch p {
	case ProviderGmail:
		cur, err1 := strconv.ParseUint(current, 10, 64)
		nxt, err2 := strconv.ParseUint(next, 10, 64)
		return err1 == nil && err2 == nil && nxt < cur
	case ProviderIMAP:
		vc, uc, ok1 := SplitUIDPosition(current)
		vn, un, ok2 := SplitUIDPosition(next)
		return ok1 && ok2 && vc == vn && un < uc
	}
	return false
}

// UIDPosition formats an IMAP position.
func UIDPosition(validity, uid uint32) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

// SplitUIDPosition parses a position produced by UIDPosition.
func SplitUIDPosition(s string) (validity, uid uint32, ok bool) {
	v, u, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	vv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	uu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(vv), uint32(uu), true
}
