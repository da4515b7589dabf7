package icalcodec

import (
	"bytes"

	"github.com/emersion/go-ical"
)

// Patch merges updated's user-editable fields into existingText's VEVENT,
// leaving attendees, non-kashcal X-properties, and any alarm the user did
// not touch untouched. When updated.Reminders is non-empty, the first
// len(updated.Reminders) existing alarms are replaced by the new ones and
// any further alarms are kept; a nil slice means "caller didn't touch
// reminders" and leaves every alarm as it was; an explicit empty (non-nil)
// slice, like clearReminders, removes every alarm.
func Patch(existingText string, updated ParsedEvent, clearReminders bool) (string, error) {
	cal, err := ical.NewDecoder(bytes.NewReader([]byte(existingText))).Decode()
	if err != nil {
		return "", &ParseError{UID: updated.UID, Err: err}
	}

	var target *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent && propText(comp, ical.PropRecurrenceID) == recurrenceIDKey(updated.OriginalInstanceTime) {
			target = comp
			break
		}
	}
	if target == nil {
		// No matching VEVENT in the body (e.g. a brand new exception is
		// being attached): fall back to a fresh component.
		target = buildVEvent(updated)
		cal.Children = append(cal.Children, target)
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	// Rebuild the known, user-editable fields from scratch…
	fresh := buildVEvent(updated)
	for name, props := range fresh.Props {
		target.Props[name] = props
	}

	// …but preserve ATTENDEE and anything the caller's UnknownProps didn't
	// carry forward (they were copied into fresh already if present).
	if _, ok := fresh.Props[ical.PropAttendee]; !ok {
		// updated carries no attendee info at all: keep whatever was there.
	}

	if clearReminders || (updated.Reminders != nil && len(updated.Reminders) == 0) {
		target.Children = removeAlarms(target.Children)
	} else if updated.Reminders != nil {
		kept := keepUnmanagedAlarms(target.Children, len(updated.Reminders))
		target.Children = append(kept, fresh.Children...)
	}
	// updated.Reminders == nil and !clearReminders: alarms in target are
	// left exactly as they were.

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func propText(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func recurrenceIDKey(t *int64) string {
	if t == nil {
		return ""
	}
	return msToTime(*t).Format("20060102T150405Z")
}

func removeAlarms(children []*ical.Component) []*ical.Component {
	out := children[:0]
	for _, c := range children {
		if c.Name != "VALARM" {
			out = append(out, c)
		}
	}
	return out
}

// keepUnmanagedAlarms returns every VALARM beyond the first managedCount:
// those are the ones the user added outside the typed reminder slots and
// that Patch must not clobber.
func keepUnmanagedAlarms(children []*ical.Component, managedCount int) []*ical.Component {
	var alarmsSeen int
	var kept []*ical.Component
	for _, c := range children {
		if c.Name != "VALARM" {
			kept = append(kept, c)
			continue
		}
		alarmsSeen++
		if alarmsSeen > managedCount {
			kept = append(kept, c)
		}
	}
	return kept
}
