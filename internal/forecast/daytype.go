package forecast

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/coverscast/internal/models"
)

//go:embed holidays.yaml
var defaultHolidays []byte

// Calendar is an enumerated set of holiday dates, maintained per operating year.
type Calendar struct {
	dates map[string]struct{}
	years map[int]struct{}
}

type calendarFile struct {
	Years map[int][]string `yaml:"years"`
}

// DefaultCalendar returns the embedded holiday calendar.
func DefaultCalendar() *Calendar {
	cal, err := ParseCalendar(defaultHolidays)
	if err != nil {
		panic(fmt.Sprintf("embedded holiday calendar: %v", err))
	}
	return cal
}

// LoadCalendar reads a holiday calendar from a YAML file. An empty path
// returns the embedded default.
func LoadCalendar(path string) (*Calendar, error) {
	if path == "" {
		return DefaultCalendar(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open holiday calendar: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read holiday calendar: %w", err)
	}
	return ParseCalendar(b)
}

func ParseCalendar(b []byte) (*Calendar, error) {
	var doc calendarFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse holiday calendar: %w", err)
	}

	cal := &Calendar{
		dates: make(map[string]struct{}),
		years: make(map[int]struct{}),
	}
	for year, dates := range doc.Years {
		cal.years[year] = struct{}{}
		for _, s := range dates {
			d, err := models.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("holiday %q: %w", s, err)
			}
			if d.Year() != year {
				return nil, fmt.Errorf("holiday %s listed under year %d", s, year)
			}
			cal.dates[d.Format(models.DateLayout)] = struct{}{}
		}
	}
	return cal, nil
}

func (c *Calendar) IsHoliday(date time.Time) bool {
	if c == nil {
		return false
	}
	_, ok := c.dates[date.Format(models.DateLayout)]
	return ok
}

// CoversYear reports whether the calendar enumerates holidays for year.
func (c *Calendar) CoversYear(year int) bool {
	if c == nil {
		return false
	}
	_, ok := c.years[year]
	return ok
}

func (c *Calendar) Years() []int {
	if c == nil {
		return nil
	}
	years := make([]int, 0, len(c.years))
	for y := range c.years {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// Classify maps a business date to its day-type. Holidays take priority over
// the day of week. Dates in years the calendar does not list are classified
// by weekday alone.
func (c *Calendar) Classify(date time.Time) models.DayType {
	if c.IsHoliday(date) {
		return models.DayTypeHoliday
	}
	return classifyWeekday(date.Weekday())
}

func classifyWeekday(wd time.Weekday) models.DayType {
	switch wd {
	case time.Friday:
		return models.DayTypeFriday
	case time.Saturday:
		return models.DayTypeSaturday
	case time.Sunday:
		return models.DayTypeSunday
	}
	return models.DayTypeWeekday
}

// DayTypeOf returns the forecast's stored day-type, classifying the business
// date when the tag is absent.
func (c *Calendar) DayTypeOf(fc models.Forecast) models.DayType {
	if fc.DayType.Valid() {
		return fc.DayType
	}
	return c.Classify(fc.BusinessDate)
}
