package ai

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocalLayout is the wall-clock format prompts ask models to read and write.
const LocalLayout = "2006-01-02T15:04"

var localLayouts = []string{
	time.RFC3339,
	LocalLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseLocalTime reads a model-written timestamp. Values without an offset
// are taken as wall-clock time in loc.
func ParseLocalTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing time")
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
