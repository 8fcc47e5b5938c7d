// Package registration holds the meal headcount records and the engines that
// write and read them: upsert, conflict preview, optimistic update, query and
// monthly archival.
package registration

import (
	"fmt"
	"strings"
	"time"

	"mealreg/internal/sentinel"
)

// DateLayout is the calendar-date format used for every registration date.
const DateLayout = "2006-01-02"

// MealType is one of the meals a class can register for.
type MealType string

const (
	KidsBreakfast MealType = "kids_breakfast"
	KidsLunch     MealType = "kids_lunch"
	TeachersLunch MealType = "teachers_lunch"
)

// MealTypes lists the meal types in reporting order.
var MealTypes = []MealType{KidsBreakfast, KidsLunch, TeachersLunch}

// Valid reports whether m is a known meal type.
func (m MealType) Valid() bool {
	switch m {
	case KidsBreakfast, KidsLunch, TeachersLunch:
		return true
	}
	return false
}

// Key identifies at most one stored registration.
type Key struct {
	Date      string   `json:"date"`
	ClassName string   `json:"class_name"`
	MealType  MealType `json:"meal_type"`
}

func (k Key) String() string {
	return k.Date + "/" + k.ClassName + "/" + string(k.MealType)
}

// Validate checks the key's fields.
func (k Key) Validate() error {
	if err := ValidateDate("date", k.Date); err != nil {
		return err
	}
	if strings.TrimSpace(k.ClassName) == "" {
		return sentinel.Invalid("class_name", "required")
	}
	if !k.MealType.Valid() {
		return sentinel.Invalid("meal_type", "unknown meal type %q", k.MealType)
	}
	return nil
}

// ValidateDate checks that v is a YYYY-MM-DD calendar date.
func ValidateDate(field, v string) error {
	if _, err := time.Parse(DateLayout, v); err != nil {
		return sentinel.Invalid(field, "%q is not a YYYY-MM-DD date", v)
	}
	return nil
}

// Registration is a stored headcount. A zero count is never persisted.
type Registration struct {
	ID string `json:"id"`
	Key
	Count int `json:"count"`
	// Stamp changes on every write and is only ever compared for equality.
	Stamp            int64     `json:"stamp"`
	RegisteredByID   string    `json:"registered_by_id"`
	RegisteredByName string    `json:"registered_by"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Desired is the count a caller wants stored for a key.
type Desired struct {
	Key
	Count int `json:"count"`
}

// Change is one line of an optimistic update changelog.
type Change struct {
	Date      string   `json:"date"`
	ClassName string   `json:"class_name"`
	MealType  MealType `json:"meal_type"`
	OldValue  int      `json:"old_value"`
	NewValue  int      `json:"new_value"`
}

// ClassDate names every meal of one class on one day.
type ClassDate struct {
	ClassName string `json:"class_name"`
	Date      string `json:"date"`
}

func validateDesired(desired []Desired) error {
	seen := make(map[Key]struct{}, len(desired))
	for i, d := range desired {
		if err := d.Key.Validate(); err != nil {
			return err
		}
		if d.Count < 0 {
			return sentinel.Invalid("count", "negative count %d for %s", d.Count, d.Key)
		}
		if _, dup := seen[d.Key]; dup {
			return sentinel.Invalid(fmt.Sprintf("registrations[%d]", i), "duplicate key %s", d.Key)
		}
		seen[d.Key] = struct{}{}
	}
	return nil
}

func keysOf(desired []Desired) []Key {
	keys := make([]Key, len(desired))
	for i, d := range desired {
		keys[i] = d.Key
	}
	return keys
}

func indexByKey(records []Registration) map[Key]Registration {
	out := make(map[Key]Registration, len(records))
	for _, r := range records {
		out[r.Key] = r
	}
	return out
}
