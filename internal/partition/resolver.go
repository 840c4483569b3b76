package partition

import (
	"fmt"
	"time"
)

// Granularity selects how event times map to partition keys. The batch
// path uses year granularity, the stream path date granularity; the
// difference is configuration, not a code fork.
type Granularity string

const (
	GranularityYear Granularity = "year"
	GranularityDate Granularity = "date"
)

// Key is a Hive-style partition directory name, e.g. "p_year=2024" or
// "p_date=2024-01-02".
type Key string

// ParseGranularity validates a configured granularity value.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityYear, GranularityDate:
		return Granularity(s), nil
	default:
		return "", fmt.Errorf("invalid partition granularity '%s'", s)
	}
}

// Resolve maps an event time to its partition key. Pure and total: every
// valid timestamp maps to exactly one key.
func Resolve(t time.Time, g Granularity) Key {
	t = t.UTC()
	switch g {
	case GranularityDate:
		return Key(fmt.Sprintf("p_date=%s", t.Format("2006-01-02")))
	default:
		return Key(fmt.Sprintf("p_year=%04d", t.Year()))
	}
}
