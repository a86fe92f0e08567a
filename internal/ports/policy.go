package ports

import (
	"fmt"
	"strings"
	"time"
)

// WarehousePolicy holds the reservation rules the warehouse backend applies
// before touching stock.
type WarehousePolicy struct {
	MaxPerReservation   int
	UnavailableProducts []string
}

// DefaultWarehousePolicy mirrors the rules the business runs with today.
func DefaultWarehousePolicy() WarehousePolicy {
	return WarehousePolicy{
		MaxPerReservation:   10,
		UnavailableProducts: []string{"out_of_stock_product"},
	}
}

// Allows reports whether a reservation may be attempted at all.
func (p WarehousePolicy) Allows(productID string, quantity int) bool {
	if quantity <= 0 {
		return false
	}
	if p.MaxPerReservation > 0 && quantity > p.MaxPerReservation {
		return false
	}
	for _, id := range p.UnavailableProducts {
		if id == productID {
			return false
		}
	}
	return true
}

// DeliveryPolicy is the serviceable window. Slots are evaluated in Location.
type DeliveryPolicy struct {
	WindowStart  time.Duration
	WindowEnd    time.Duration
	BlackoutDays []time.Weekday
	Location     *time.Location
}

// DefaultDeliveryPolicy is 09:00-18:00 with Sundays blacked out.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		WindowStart:  9 * time.Hour,
		WindowEnd:    18 * time.Hour,
		BlackoutDays: []time.Weekday{time.Sunday},
		Location:     time.UTC,
	}
}

// Serviceable reports whether a courier can be booked for the slot. Both
// window bounds are inclusive.
func (p DeliveryPolicy) Serviceable(slot time.Time) bool {
	if p.Location != nil {
		slot = slot.In(p.Location)
	}
	for _, d := range p.BlackoutDays {
		if slot.Weekday() == d {
			return false
		}
	}
	tod := time.Duration(slot.Hour())*time.Hour +
		time.Duration(slot.Minute())*time.Minute +
		time.Duration(slot.Second())*time.Second +
		time.Duration(slot.Nanosecond())
	return tod >= p.WindowStart && tod <= p.WindowEnd
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ParseWeekday accepts full English day names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
