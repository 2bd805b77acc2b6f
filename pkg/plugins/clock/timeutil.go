package clock

import (
	"fmt"
	"regexp"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Layout is the wall-clock format both tools read and write.
const Layout = "2006-01-02 15:04:05"

var timeRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

// Options are the normalized tool inputs. Offsets are applied to the wall
// clock of the UTC+Timezone zone.
type Options struct {
	Timezone int
	Y        int
	M        int
	D        int
	H        int
	Min      int
	S        int

	BaseTime   string
	TargetTime string
}

// ParseOptions reads the tool input. Keys are case-sensitive ("M" is months,
// "m" minutes), so it does not go through struct decoding.
func ParseOptions(data any, defaultTZ int) (Options, error) {
	opts := Options{Timezone: defaultTZ}
	fields, err := rawFields(data)
	if err != nil {
		return opts, err
	}

	ints := map[string]*int{
		"timezone": &opts.Timezone,
		"Y":        &opts.Y,
		"M":        &opts.M,
		"D":        &opts.D,
		"h":        &opts.H,
		"m":        &opts.Min,
		"s":        &opts.S,
	}
	for key, dst := range ints {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return opts, fmt.Errorf("%s must be an integer", key)
		}
	}
	if opts.Timezone < -12 || opts.Timezone > 14 {
		return opts, fmt.Errorf("timezone %d out of range", opts.Timezone)
	}

	for key, dst := range map[string]*string{"baseTime": &opts.BaseTime, "targetTime": &opts.TargetTime} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil || !timeRE.MatchString(*dst) {
			return opts, fmt.Errorf("%s must look like YYYY-MM-DD hh:mm:ss", key)
		}
	}
	return opts, nil
}

func rawFields(data any) (map[string]jsoniter.RawMessage, error) {
	fields := map[string]jsoniter.RawMessage{}
	var raw []byte
	switch d := data.(type) {
	case nil:
		return fields, nil
	case jsoniter.RawMessage:
		raw = d
	case []byte:
		raw = d
	case string:
		raw = []byte(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return fields, nil
}

// Zone is the fixed UTC+tz zone.
func Zone(tz int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", tz), tz*3600)
}

// ParseWall reads s as a wall-clock time in UTC+tz.
func ParseWall(s string, tz int) (time.Time, error) {
	return time.ParseInLocation(Layout, s, Zone(tz))
}

// ApplyOffset shifts base by the options' offsets. Adding years to Feb 29
// lands on Feb 28 when the target year has no leap day.
func ApplyOffset(base time.Time, opts Options) time.Time {
	t := base.In(Zone(opts.Timezone))
	if opts.Y != 0 {
		year := t.Year() + opts.Y
		day := t.Day()
		if t.Month() == time.February && day == 29 && !isLeap(year) {
			day = 28
		}
		t = time.Date(year, t.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	}
	t = t.AddDate(0, opts.M, opts.D)
	return t.Add(time.Duration(opts.H)*time.Hour + time.Duration(opts.Min)*time.Minute + time.Duration(opts.S)*time.Second)
}

// Format prints t in UTC+tz with the zone suffix.
func Format(t time.Time, tz int) string {
	return fmt.Sprintf("%s (UTC%+d)", t.In(Zone(tz)).Format(Layout), tz)
}

// Diff is a calendar difference.
type Diff struct {
	Formatted string `json:"diff"`
	Seconds   int64  `json:"seconds"`
}

// Between returns the calendar distance from base to target as
// "[-]YY-MM-DD hh:mm:ss", negative when target is earlier.
func Between(base, target time.Time) Diff {
	start, end, sign := base.UTC(), target.UTC(), ""
	if end.Before(start) {
		start, end, sign = end, start, "-"
	}

	years := end.Year() - start.Year()
	months := int(end.Month()) - int(start.Month())
	days := end.Day() - start.Day()
	hours := end.Hour() - start.Hour()
	mins := end.Minute() - start.Minute()
	secs := end.Second() - start.Second()

	if secs < 0 {
		secs += 60
		mins--
	}
	if mins < 0 {
		mins += 60
		hours--
	}
	if hours < 0 {
		hours += 24
		days--
	}
	// borrow whole months counting back from end's month
	for back := time.Month(1); days < 0; back++ {
		days += daysIn(end.Year(), end.Month()-back)
		months--
	}
	for months < 0 {
		months += 12
		years--
	}

	seconds := int64(end.Sub(start) / time.Second)
	if sign == "-" {
		seconds = -seconds
	}
	return Diff{
		Formatted: fmt.Sprintf("%s%02d-%02d-%02d %02d:%02d:%02d", sign, years, months, days, hours, mins, secs),
		Seconds:   seconds,
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// daysIn normalizes month, so 0 is December of the previous year.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
