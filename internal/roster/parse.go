package roster

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	logx "bdaybot/pkg/logx"
)

// Entry is one valid roster row: the partner's name and their birthday
// placed in the reference year.
type Entry struct {
	Name string
	Date time.Time
}

// placeholder marks an unknown cell in the source spreadsheet.
const placeholder = "?"

var monthNumbers = map[string]time.Month{
	"январь":   time.January,
	"февраль":  time.February,
	"март":     time.March,
	"апрель":   time.April,
	"май":      time.May,
	"июнь":     time.June,
	"июль":     time.July,
	"август":   time.August,
	"сентябрь": time.September,
	"октябрь":  time.October,
	"ноябрь":   time.November,
	"декабрь":  time.December,
}

// MonthNumber maps a Russian month name (nominative) to its number.
// Returns 0 for anything else.
func MonthNumber(name string) time.Month {
	return monthNumbers[strings.ToLower(strings.TrimSpace(name))]
}

// Parse reads the roster spreadsheet and returns its valid rows with dates in
// year. columns names the (day, month, name) headers; a zero columns slice is
// an error, the caller owns the defaults.
//
// Malformed rows — non-numeric or out-of-range day, placeholder month or
// name, month/day combinations that don't exist — are logged and skipped.
// One bad row never aborts the batch.
func Parse(path string, columns []string, year int, log logx.Logger) ([]Entry, error) {
	if len(columns) != 3 {
		return nil, fmt.Errorf("roster: want 3 column names (day, month, name), got %d", len(columns))
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("roster: %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("roster: %s is empty", path)
	}

	idx, err := headerIndex(rows[0], columns)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for i, row := range rows[1:] {
		entry, reason := parseRow(row, idx, year)
		if reason != "" {
			log.Warn("roster row skipped", logx.Int("row", i+2), logx.String("reason", reason))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// headerIndex locates the configured columns in the header row.
func headerIndex(header, columns []string) ([3]int, error) {
	var idx [3]int
	for c := range idx {
		idx[c] = -1
		for h, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), strings.TrimSpace(columns[c])) {
				idx[c] = h
				break
			}
		}
		if idx[c] == -1 {
			return idx, fmt.Errorf("roster: column %q not found in header", columns[c])
		}
	}
	return idx, nil
}

func parseRow(row []string, idx [3]int, year int) (Entry, string) {
	cell := func(i int) string {
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	dayRaw := cell(idx[0])
	monthRaw := strings.ToLower(cell(idx[1]))
	name := cell(idx[2])

	if name == "" || name == placeholder {
		return Entry{}, "name missing"
	}
	if monthRaw == "" || monthRaw == placeholder {
		return Entry{}, "month missing"
	}

	day, err := strconv.Atoi(dayRaw)
	if err != nil {
		return Entry{}, fmt.Sprintf("day %q not a number", dayRaw)
	}
	if day <= 0 || day >= 32 {
		return Entry{}, fmt.Sprintf("day %d out of range", day)
	}

	month := MonthNumber(monthRaw)
	if month == 0 {
		return Entry{}, fmt.Sprintf("unknown month %q", monthRaw)
	}

	// time.Date normalizes overflow (Apr 31 -> May 1); treat that as invalid.
	date := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if date.Month() != month || date.Day() != day {
		return Entry{}, fmt.Sprintf("no such date: %d %s", day, monthRaw)
	}

	return Entry{Name: name, Date: date}, ""
}
