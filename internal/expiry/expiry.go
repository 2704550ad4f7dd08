// Package expiry computes card expiry dates in the formats the issuer exchanges.
package expiry

import (
	"fmt"
	"strconv"
	"time"
)

// Policy fixes validity years and the location month boundaries are computed in.
type Policy struct {
	Years    int
	Location *time.Location
}

// DefaultPolicy issues cards valid for three years, computed in UTC.
func DefaultPolicy() Policy {
	return Policy{Years: 3, Location: time.UTC}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p Policy) years() int {
	if p.Years <= 0 {
		return 3
	}
	return p.Years
}

func (p Policy) parts(issue time.Time) (yy, mm int) {
	t := issue.In(p.loc())
	return (t.Year() + p.years()) % 100, int(t.Month())
}

// YYMM returns the expiry of a card issued at issue, in YYMM form.
func (p Policy) YYMM(issue time.Time) string {
	y, m := p.parts(issue)
	return fmt.Sprintf("%02d%02d", y, m)
}

// CardFace returns the expiry as printed on the card, MM/YY.
func (p Policy) CardFace(issue time.Time) string {
	y, m := p.parts(issue)
	return fmt.Sprintf("%02d/%02d", m, y)
}

// EndOfMonth parses YYMM into the last instant of that month.
func (p Policy) EndOfMonth(yymm string) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, p.loc()).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is strictly after the end of the YYMM month.
func (p Policy) IsExpired(yymm string, at time.Time) (bool, error) {
	end, err := p.EndOfMonth(yymm)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

// ValidateYYMM checks a four-digit YYMM value with a month in 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}
