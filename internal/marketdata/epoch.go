package marketdata

import (
	"fmt"
	"time"
)

const (
	dateTimeLayout = "02-01-2006 15:04:05"
	dateLayout     = "02-01-2006"
)

// DateTimeToEpochMillis converts "dd-mm-yyyy HH:MM:SS", read as UTC, to
// milliseconds since the Unix epoch.
func DateTimeToEpochMillis(datetime string) (int64, error) {
	t, err := time.Parse(dateTimeLayout, datetime)
	if err != nil {
		return 0, fmt.Errorf("%w: bad datetime %q: %w", ErrInvalidParams, datetime, err)
	}
	return t.UnixMilli(), nil
}

// DateToEpochMillis converts "dd-mm-yyyy" to milliseconds since the Unix epoch
// at midnight UTC.
func DateToEpochMillis(date string) (int64, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("%w: bad date %q: %w", ErrInvalidParams, date, err)
	}
	return t.UnixMilli(), nil
}
