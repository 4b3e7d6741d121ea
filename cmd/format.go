package cmd

import (
	"fmt"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// parseEntity splits a type:id reference.
func parseEntity(ref string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(ref, ":")
	if !ok || typ == "" || id == "" {
		return "", "", fmt.Errorf("invalid entity %q: want type:id", ref)
	}
	return typ, id, nil
}

// shortID shortens a uuid for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
