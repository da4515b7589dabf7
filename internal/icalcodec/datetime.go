package icalcodec

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// parseDateTimeProp converts a DTSTART/DTEND/RECURRENCE-ID property to a
// millisecond epoch and whether the value was VALUE=DATE (all-day). TZID
// times parse in the named zone; an unresolvable TZID falls back to the
// system's local zone; no warning is logged for it.
func parseDateTimeProp(prop *ical.Prop) (ms int64, allDay bool, tzid string, err error) {
	if prop == nil {
		return 0, false, "", fmt.Errorf("missing property")
	}
	v := prop.Value
	if valueParam := prop.Params.Get("VALUE"); valueParam == "DATE" || len(v) == 8 {
		t, err := time.ParseInLocation("20060102", v, time.UTC)
		if err != nil {
			return 0, false, "", err
		}
		return t.UnixMilli(), true, "", nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return 0, false, "", err
		}
		return t.UnixMilli(), false, "", nil
	}

	tzid = prop.Params.Get("TZID")
	if tzid != "" {
		loc, lerr := time.LoadLocation(tzid)
		if lerr != nil {
			loc = time.Local
		}
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		if err != nil {
			return 0, false, "", err
		}
		return t.UnixMilli(), false, tzid, nil
	}

	// Floating time: no TZID, no Z suffix.
	t, err := time.ParseInLocation("20060102T150405", v, time.Local)
	if err != nil {
		return 0, false, "", err
	}
	return t.UnixMilli(), false, "", nil
}

// setDateTimeProp is the inverse of parseDateTimeProp: it sets name on
// comp to a properly formatted DTSTART/DTEND/RECURRENCE-ID value.
func setDateTimeProp(comp *ical.Component, name string, ms int64, allDay bool, tzid string) {
	if allDay {
		t := time.UnixMilli(ms).UTC()
		comp.Props.Set(&ical.Prop{Name: name, Params: ical.Params{"VALUE": []string{"DATE"}}, Value: t.Format("20060102")})
		return
	}
	t := time.UnixMilli(ms).UTC()
	if tzid != "" {
		if loc, err := time.LoadLocation(tzid); err == nil {
			comp.Props.Set(&ical.Prop{Name: name, Params: ical.Params{"TZID": []string{tzid}}, Value: t.In(loc).Format("20060102T150405")})
			return
		}
	}
	comp.Props.Set(&ical.Prop{Name: name, Value: t.Format("20060102T150405Z")})
}

// dayEndInclusiveToExclusive converts the core's inclusive all-day endTs
// (last inclusive second of the last day) to the exclusive wire DTEND
// (last-day + 1): the all-day DTEND is always emitted exclusive.
func dayEndInclusiveToExclusive(endTs int64) int64 {
	t := time.UnixMilli(endTs).UTC()
	lastDay := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return lastDay.AddDate(0, 0, 1).UnixMilli()
}

// dayEndExclusiveToInclusive is parse's inverse: the wire DTEND names the
// first excluded day; the core stores the last included second instead.
func dayEndExclusiveToInclusive(exclusiveMs int64) int64 {
	t := time.UnixMilli(exclusiveMs).UTC()
	return t.AddDate(0, 0, -1).Add(23*time.Hour + 59*time.Minute + 59*time.Second).UnixMilli()
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func parseRDatesExDates(props []ical.Prop) ([]int64, error) {
	var out []int64
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ms, _, _, err := parseDateTimeProp(&ical.Prop{Name: p.Name, Params: p.Params, Value: part})
			if err != nil {
				continue
			}
			out = append(out, ms)
		}
	}
	return out, nil
}

func formatDurationISO(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	total := int64(d.Seconds())
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	var b strings.Builder
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 {
			fmt.Fprintf(&b, "%dS", seconds)
		}
	}
	if b.Len() == 1 {
		b.WriteString("T0S")
	}
	return b.String()
}

func parseDurationISO(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var days, hours, minutes, seconds int
	inTime := false
	var num strings.Builder
	for _, r := range s[1:] {
		switch r {
		case 'D':
			fmt.Sscanf(num.String(), "%d", &days)
			num.Reset()
		case 'T':
			inTime = true
			num.Reset()
		case 'H':
			fmt.Sscanf(num.String(), "%d", &hours)
			num.Reset()
		case 'M':
			fmt.Sscanf(num.String(), "%d", &minutes)
			num.Reset()
		case 'S':
			fmt.Sscanf(num.String(), "%d", &seconds)
			num.Reset()
		case 'W':
			var weeks int
			fmt.Sscanf(num.String(), "%d", &weeks)
			days += weeks * 7
			num.Reset()
		default:
			num.WriteRune(r)
		}
	}
	_ = inTime
	d := time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if neg {
		d = -d
	}
	return d, nil
}
