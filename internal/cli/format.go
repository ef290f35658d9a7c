package cli

import (
	"strings"
	"time"

	"github.com/fatih/color"
)

// timeFormat keeps the microsecond precision the store assigns.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeFormat)
}

// joinOrDash joins typed strings with ", ", or returns "-" for none.
func joinOrDash[T ~string](items []T) string {
	if len(items) == 0 {
		return "-"
	}
	parts := make([]string, len(items))
	for i, s := range items {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// paint colors a status, decision or run state by how good it is.
func paint[T ~string](s T) string {
	v := string(s)
	switch v {
	case "coherent", "ALLOW", "succeeded", "approved":
		return color.GreenString(v)
	case "partial", "DEFER", "planned", "running", "cancelled", "draft", "never_ran":
		return color.YellowString(v)
	case "stale", "BLOCK", "failed":
		return color.RedString(v)
	}
	return v
}

var heading = color.New(color.Bold)
