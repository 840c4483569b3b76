package partition

import (
	"testing"
	"time"
)

func TestResolveYear(t *testing.T) {
	ts := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	if got := Resolve(ts, GranularityYear); got != "p_year=2024" {
		t.Errorf("unexpected key: %s", got)
	}
}

func TestResolveDate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 23, 59, 59, 0, time.UTC)
	if got := Resolve(ts, GranularityDate); got != "p_date=2024-01-02" {
		t.Errorf("unexpected key: %s", got)
	}
}

func TestResolveNormalizesTimezone(t *testing.T) {
	// 2024-01-02 01:00 in UTC+3 is still 2024-01-01 in UTC.
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 1, 2, 1, 0, 0, 0, loc)
	if got := Resolve(ts, GranularityDate); got != "p_date=2024-01-01" {
		t.Errorf("unexpected key: %s", got)
	}
}

func TestParseGranularity(t *testing.T) {
	if _, err := ParseGranularity("year"); err != nil {
		t.Errorf("year should parse: %v", err)
	}
	if _, err := ParseGranularity("date"); err != nil {
		t.Errorf("date should parse: %v", err)
	}
	if _, err := ParseGranularity("month"); err == nil {
		t.Error("month should be rejected")
	}
}
