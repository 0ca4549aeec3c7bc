package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	rules = validator.New()

	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

	// February is fixed at 28 days; leap years are not special-cased.
	daysInMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
)

const (
	minSessionMinutes = 15
	maxSessionMinutes = 8 * 60
	maxDaysAhead      = 365
)

// Identifier checks that value is present and has the canonical UUID shape.
func Identifier(field, value string) Result {
	res := OK()
	value = strings.TrimSpace(value)
	if value == "" {
		res.addError(field + " is required")
		return res
	}
	if err := rules.Var(value, "uuid"); err != nil {
		res.addError(field + " must be a valid identifier")
	}
	return res
}

// CalendarDate checks a strict YYYY-MM-DD date no more than a year after now.
func CalendarDate(value string, now time.Time) Result {
	res := OK()
	if value == "" {
		res.addError("Date is required")
		return res
	}
	if !datePattern.MatchString(value) {
		res.addError("Date must be in YYYY-MM-DD format")
		return res
	}
	year, _ := strconv.Atoi(value[0:4])
	month, _ := strconv.Atoi(value[5:7])
	day, _ := strconv.Atoi(value[8:10])
	if month < 1 || month > 12 {
		res.addError("Invalid month")
		return res
	}
	if day < 1 || day > daysInMonth[month-1] {
		res.addError("Invalid day for the month")
		return res
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
	if date.After(now.AddDate(0, 0, maxDaysAhead)) {
		res.addError("Date is too far in the future (maximum 1 year ahead)")
	}
	return res
}

// ClockTime checks a strict 24-hour HH:MM time.
func ClockTime(field, value string) Result {
	res := OK()
	if value == "" {
		res.addError(field + " is required")
		return res
	}
	if !timePattern.MatchString(value) {
		res.addError(field + " must be in HH:MM format (24-hour)")
	}
	return res
}

// TimeRange checks both ends of a same-day session and its duration.
func TimeRange(start, end, date string, now time.Time) Result {
	res := OK()
	startRes := ClockTime("Start time", start)
	endRes := ClockTime("End time", end)
	res.merge(startRes)
	res.merge(endRes)
	res.merge(CalendarDate(date, now))
	if !startRes.Valid || !endRes.Valid {
		return res
	}
	duration := minutes(end) - minutes(start)
	switch {
	case duration <= 0:
		res.addError("End time must be after start time")
	case duration < minSessionMinutes:
		res.addError(fmt.Sprintf("Session must be at least %d minutes long", minSessionMinutes))
	case duration > maxSessionMinutes:
		res.addError("Session cannot be longer than 8 hours")
	}
	return res
}

// minutes converts a validated HH:MM value to minutes past midnight.
func minutes(hhmm string) int {
	h, _ := strconv.Atoi(hhmm[0:2])
	m, _ := strconv.Atoi(hhmm[3:5])
	return h*60 + m
}
