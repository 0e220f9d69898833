package repository

import (
	"fmt"
	"time"
)

// sqlite hands back TEXT for timestamps it cannot attribute to a declared column type
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

type timeScanner struct {
	dest *time.Time
}

// timestamp scans a timestamp column into dest regardless of how the driver encodes it
func timestamp(dest *time.Time) *timeScanner {
	return &timeScanner{dest: dest}
}

func (s *timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*s.dest = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (s *timeScanner) parse(v string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*s.dest = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", v)
}
