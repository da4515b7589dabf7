package icalcodec

import (
	"bytes"

	"github.com/emersion/go-ical"
)

// MergeException adds or replaces exception's VEVENT inside masterText's
// VCALENDAR, keyed by RECURRENCE-ID.
func MergeException(masterText string, exception ParsedEvent) (string, error) {
	cal, err := ical.NewDecoder(bytes.NewReader([]byte(masterText))).Decode()
	if err != nil {
		return "", &ParseError{UID: exception.UID, Err: err}
	}

	key := recurrenceIDKey(exception.OriginalInstanceTime)
	replaced := false
	for i, comp := range cal.Children {
		if comp.Name == ical.CompEvent && propText(comp, ical.PropRecurrenceID) == key && key != "" {
			cal.Children[i] = buildVEvent(exception)
			replaced = true
			break
		}
	}
	if !replaced {
		cal.Children = append(cal.Children, buildVEvent(exception))
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RemoveException deletes the VEVENT with RECURRENCE-ID == recurrenceId
// from masterText's VCALENDAR, leaving the master and other exceptions
// untouched.
func RemoveException(masterText string, recurrenceID int64) (string, error) {
	cal, err := ical.NewDecoder(bytes.NewReader([]byte(masterText))).Decode()
	if err != nil {
		return "", &ParseError{Err: err}
	}

	key := msToTime(recurrenceID).Format("20060102T150405Z")
	kept := cal.Children[:0]
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent && propText(comp, ical.PropRecurrenceID) == key {
			continue
		}
		kept = append(kept, comp)
	}
	cal.Children = kept

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}
