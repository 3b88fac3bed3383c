package txstate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrCodeStorageCapacityExceeded is reported by the chain when the payer's
// storage is full.
const ErrCodeStorageCapacityExceeded = 1103

var reErrorCode = regexp.MustCompile(`\[Error Code:\s*(\d+)\]`)

func notProcessing(r Record) bool { return r.ChainStatus >= StatusExecuted }

func expired(r Record) bool { return r.ChainStatus == StatusExpired }

func hasError(r Record) bool { return strings.TrimSpace(r.ErrorMessage) != "" }

// IsSettled reports whether r needs no further monitoring.
func IsSettled(r Record) bool {
	return notProcessing(r) && (r.Outcome.Resolved() || expired(r)) || expired(r)
}

func IsSuccess(r Record) bool {
	return notProcessing(r) && !expired(r) && !hasError(r) && r.Outcome == OutcomeSuccess
}

func IsFailure(r Record) bool {
	return notProcessing(r) && (expired(r) || hasError(r) || r.Outcome == OutcomeFailure)
}

// IsProcessing is the complement of success and failure, so exactly one of
// the three holds for any record.
func IsProcessing(r Record) bool {
	return !IsSuccess(r) && !IsFailure(r)
}

// ParseErrorCode extracts the numeric code from messages such as
// "[Error Code: 1103] storage capacity exceeded".
func ParseErrorCode(msg string) (int, bool) {
	m := reErrorCode.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// visibleSealedWindow is how long a sealed transaction stays visible after
// its last update.
const visibleSealedWindow = 5 * time.Second

// LastVisible returns the first record that is still in flight, or that was
// sealed within the last few seconds.
func LastVisible(records []Record, now time.Time) (Record, bool) {
	for _, r := range records {
		if r.ChainStatus > StatusUnknown && r.ChainStatus < StatusSealed {
			return r, true
		}
		if r.ChainStatus == StatusSealed {
			age := now.Sub(time.UnixMilli(r.UpdatedAt))
			if age < 0 {
				age = -age
			}
			if age < visibleSealedWindow {
				return r, true
			}
		}
	}
	return Record{}, false
}
