// Package notify renders birthday records into the Russian-language message
// blocks the bot delivers, and holds the process-wide cache of the current
// day's blocks.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// monthGenitive is the full genitive-case table for the twelve month names.
// Closed set, so an explicit mapping beats a grammar rule.
var monthGenitive = map[string]string{
	"январь":   "января",
	"февраль":  "февраля",
	"март":     "марта",
	"апрель":   "апреля",
	"май":      "мая",
	"июнь":     "июня",
	"июль":     "июля",
	"август":   "августа",
	"сентябрь": "сентября",
	"октябрь":  "октября",
	"ноябрь":   "ноября",
	"декабрь":  "декабря",
}

// DeclineMonth returns the month name in genitive case. Input not in the
// table falls back to the suffix rule the table encodes: a name ending in
// "т" gains "а", otherwise the final vowel becomes "я".
func DeclineMonth(month string) string {
	month = strings.ToLower(strings.TrimSpace(month))
	if declined, ok := monthGenitive[month]; ok {
		return declined
	}
	runes := []rune(month)
	if len(runes) == 0 {
		return month
	}
	if runes[len(runes)-1] == 'т' {
		return month + "а"
	}
	return string(runes[:len(runes)-1]) + "я"
}

// FormatLine renders one birthday line: "<name>, <day> <declined month>".
// The leading newline is part of the wire format; lines concatenate directly
// after a block header.
func FormatLine(name string, day int, month string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Неизвестный партнер"
	}
	return fmt.Sprintf("\n%s, %d %s", name, day, DeclineMonth(month))
}

var monthNominative = [...]string{
	time.January:   "январь",
	time.February:  "февраль",
	time.March:     "март",
	time.April:     "апрель",
	time.May:       "май",
	time.June:      "июнь",
	time.July:      "июль",
	time.August:    "август",
	time.September: "сентябрь",
	time.October:   "октябрь",
	time.November:  "ноябрь",
	time.December:  "декабрь",
}

// MonthName returns the Russian month name (nominative) for m.
func MonthName(m time.Month) string {
	if m < time.January || m > time.December {
		return ""
	}
	return monthNominative[m]
}

// FormatRecord renders a stored birthday record as a message line.
func FormatRecord(name string, date time.Time) string {
	return FormatLine(name, date.Day(), MonthName(date.Month()))
}

// CollectSummary assembles the message blocks for one day. The today and
// future blocks are evaluated independently of each other (a today match
// must not suppress the future block); only the "none found" block is
// exclusive, produced when both lists are empty.
func CollectSummary(today, future []string, horizonDays int) []string {
	var blocks []string
	if len(today) > 0 {
		blocks = append(blocks,
			"#деньрождения сегодня "+strings.Join(today, ""))
	}
	if len(future) > 0 {
		blocks = append(blocks,
			fmt.Sprintf("#деньрождения ближайшие %d дня: %s", horizonDays, strings.Join(future, "")))
	}
	if len(today) == 0 && len(future) == 0 {
		blocks = append(blocks,
			fmt.Sprintf("на сегодня и ближайшие %d дня #деньрождения не найдены.", horizonDays))
	}
	return blocks
}
