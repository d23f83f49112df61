package persona

import (
	"math"
	"strconv"
	"strings"
)

const (
	DefaultName = "User"
	DefaultAge  = 18
)

// Gender selects the partner role in relationship mode.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
)

// ParseGender treats anything that is not "female" as male.
func ParseGender(s string) Gender {
	if strings.EqualFold(strings.TrimSpace(s), string(Female)) {
		return Female
	}
	return Male
}

// Profile is the lightweight user profile sent with every request.
type Profile struct {
	Name   string
	Gender Gender
	Age    int
}

// Normalize fills in defaults for missing fields.
func (p Profile) Normalize() Profile {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = DefaultName
	}
	p.Gender = ParseGender(string(p.Gender))
	if p.Age <= 0 {
		p.Age = DefaultAge
	}
	return p
}

// ParseAge accepts the loosely typed age values clients send. Anything that
// does not parse to a positive whole number falls back to DefaultAge.
func ParseAge(v any) int {
	switch age := v.(type) {
	case int:
		return positiveOr(age)
	case int64:
		return positiveOr(int(age))
	case float64:
		if math.IsNaN(age) || math.IsInf(age, 0) {
			return DefaultAge
		}
		return positiveOr(int(age))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(age))
		if err != nil {
			return DefaultAge
		}
		return positiveOr(n)
	default:
		return DefaultAge
	}
}

func positiveOr(n int) int {
	if n <= 0 {
		return DefaultAge
	}
	return n
}
