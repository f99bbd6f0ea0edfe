package iclock

import (
	"fmt"
	"strings"
	"time"
)

// FetchSyntax selects the attendance pull command understood by a firmware family.
type FetchSyntax string

const (
	FetchDataQuery FetchSyntax = "DATA_QUERY"
	FetchGetAttlog FetchSyntax = "GET_ATTLOG"
	FetchAttlog    FetchSyntax = "ATTLOG"
)

const fetchTimeLayout = "2006-01-02 15:04:05"

// ParseFetchSyntax accepts a syntax name; empty means DATA_QUERY.
func ParseFetchSyntax(raw string) (FetchSyntax, error) {
	switch FetchSyntax(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", FetchDataQuery:
		return FetchDataQuery, nil
	case FetchGetAttlog:
		return FetchGetAttlog, nil
	case FetchAttlog:
		return FetchAttlog, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSyntax, raw)
}

// FetchWindowStart is one second before the cursor, or now minus lookback without one.
func FetchWindowStart(cursor *time.Time, now time.Time, lookback time.Duration) time.Time {
	if cursor != nil && !cursor.IsZero() {
		return cursor.Add(-time.Second)
	}
	return now.Add(-lookback)
}

// BuildFetchCommand builds the attendance pull command for the window ending now.
func BuildFetchCommand(cursor *time.Time, now time.Time, lookback time.Duration, syntax FetchSyntax) string {
	start := FetchWindowStart(cursor, now, lookback).Format(fetchTimeLayout)
	end := now.Format(fetchTimeLayout)
	switch syntax {
	case FetchGetAttlog:
		return fmt.Sprintf("C:1:GET ATTLOG StartTime=%s EndTime=%s", start, end)
	case FetchAttlog:
		// the bare form pulls the full log; firmware ignores the window
		return "C:1:ATTLOG"
	default:
		return fmt.Sprintf("C:1:DATA QUERY ATTLOG StartTime=%s EndTime=%s", start, end)
	}
}
