package sos

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	// DefaultTimeZone is the zone that defines calendar days for the daily quota.
	DefaultTimeZone = "Asia/Ho_Chi_Minh"
	dayKeyLayout    = "2006-01-02"
)

// DayClock renders instants as calendar day keys in a fixed zone.
type DayClock struct {
	zone *time.Location
}

// NewDayClock loads the named zone. An empty name selects DefaultTimeZone.
func NewDayClock(zoneName string) (DayClock, error) {
	name := strings.TrimSpace(zoneName)
	if name == "" {
		name = DefaultTimeZone
	}
	zone, err := time.LoadLocation(name)
	if err != nil {
		return DayClock{}, fmt.Errorf("sos: load time zone %q: %w", name, err)
	}
	return DayClock{zone: zone}, nil
}

// DayKey returns YYYY-MM-DD for the instant in the clock's zone.
func (c DayClock) DayKey(instant time.Time) string {
	zone := c.zone
	if zone == nil {
		zone = time.UTC
	}
	return instant.In(zone).Format(dayKeyLayout)
}

// ZoneName returns the IANA name of the zone.
func (c DayClock) ZoneName() string {
	if c.zone == nil {
		return time.UTC.String()
	}
	return c.zone.String()
}
