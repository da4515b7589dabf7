package icalcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/kashcal/sync-core/internal/model"
)

// Generate emits a complete VCALENDAR containing a single VEVENT.
func Generate(e ParsedEvent) (string, error) {
	return GenerateWithExceptions(e, nil)
}

// GenerateWithExceptions emits a complete VCALENDAR containing master plus
// its exception overrides, and a VTIMEZONE component per distinct IANA zone
// carried by a non-all-day event.
func GenerateWithExceptions(master ParsedEvent, exceptions []ParsedEvent) (string, error) {
	cal := &ical.Calendar{Component: &ical.Component{Name: ical.CompCalendar, Props: ical.Props{}}}
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	zones := map[string]bool{}
	collectZone(&master, zones)
	for i := range exceptions {
		collectZone(&exceptions[i], zones)
	}
	for tzid := range zones {
		if tz, err := buildVTimezone(tzid); err == nil {
			cal.Children = append(cal.Children, tz)
		}
	}

	cal.Children = append(cal.Children, buildVEvent(master))
	for _, ex := range exceptions {
		cal.Children = append(cal.Children, buildVEvent(ex))
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func collectZone(e *ParsedEvent, zones map[string]bool) {
	if !e.IsAllDay && e.Timezone != "" {
		zones[e.Timezone] = true
	}
}

func buildVEvent(e ParsedEvent) *ical.Component {
	comp := &ical.Component{Name: ical.CompEvent, Props: ical.Props{}}

	comp.Props.SetText(ical.PropUID, e.UID)
	dtstamp := e.DTStamp
	if dtstamp.IsZero() {
		dtstamp = msToTime(e.StartTs)
	}
	comp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: dtstamp.UTC().Format("20060102T150405Z")})

	setDateTimeProp(comp, ical.PropDateTimeStart, e.StartTs, e.IsAllDay, e.Timezone)
	endTs := e.EndTs
	if e.IsAllDay {
		endTs = dayEndInclusiveToExclusive(e.EndTs)
	}
	if endTs != e.StartTs {
		setDateTimeProp(comp, ical.PropDateTimeEnd, endTs, e.IsAllDay, e.Timezone)
	}

	if e.Title != "" {
		comp.Props.SetText(ical.PropSummary, e.Title)
	}
	if e.Location != "" {
		comp.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Description != "" {
		comp.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Status != "" {
		comp.Props.SetText(ical.PropStatus, string(e.Status))
	}
	if e.Transp != "" {
		comp.Props.SetText(ical.PropTransparency, string(e.Transp))
	}
	if e.Classification != "" {
		comp.Props.SetText(ical.PropClass, string(e.Classification))
	}
	if e.Priority != nil {
		comp.Props.SetText(ical.PropPriority, fmt.Sprintf("%d", *e.Priority))
	}
	if e.GeoLat != nil && e.GeoLon != nil {
		comp.Props.SetText(ical.PropGeo, fmt.Sprintf("%f;%f", *e.GeoLat, *e.GeoLon))
	}
	if e.Color != "" {
		comp.Props.SetText(ical.PropColor, e.Color)
	}
	if e.URL != "" {
		comp.Props.SetText(ical.PropURL, e.URL)
	}
	if len(e.Categories) > 0 {
		comp.Props.SetText(ical.PropCategories, strings.Join(e.Categories, ","))
	}

	if e.RRule != "" {
		comp.Props.SetText(ical.PropRecurrenceRule, e.RRule)
	}
	for _, rd := range e.RDate {
		setDateListProp(comp, ical.PropRecurrenceDates, rd, e.IsAllDay, e.Timezone)
	}
	for _, ed := range e.ExDate {
		setDateListProp(comp, ical.PropExceptionDates, ed, e.IsAllDay, e.Timezone)
	}

	if e.OriginalInstanceTime != nil {
		setDateTimeProp(comp, ical.PropRecurrenceID, *e.OriginalInstanceTime, e.IsAllDay, e.Timezone)
	}

	if e.Sequence > 0 {
		comp.Props.SetText(ical.PropSequence, fmt.Sprintf("%d", e.Sequence))
	}

	for key, val := range e.UnknownProps {
		name, params := splitPropKey(key)
		p := &ical.Prop{Name: name, Value: val}
		if params != nil {
			p.Params = params
		}
		comp.Props.Add(p)
	}

	for _, r := range e.Reminders {
		comp.Children = append(comp.Children, buildAlarm(r))
	}

	return comp
}

func setDateListProp(comp *ical.Component, name string, ms int64, allDay bool, tzid string) {
	tmp := &ical.Component{Name: "X-TMP", Props: ical.Props{}}
	setDateTimeProp(tmp, name, ms, allDay, tzid)
	comp.Props.Add(tmp.Props.Get(name))
}

func buildAlarm(r model.Reminder) *ical.Component {
	alarm := &ical.Component{Name: "VALARM", Props: ical.Props{}}
	trigger := formatDurationISO(-time.Duration(r.MinutesBefore) * time.Minute)
	alarm.Props.SetText("TRIGGER", trigger)
	action := r.Action
	if action == "" {
		action = "DISPLAY"
	}
	alarm.Props.SetText("ACTION", action)
	if action == "DISPLAY" {
		alarm.Props.SetText(ical.PropDescription, "Reminder")
	}
	return alarm
}

func splitPropKey(key string) (string, ical.Params) {
	idx := strings.Index(key, ";")
	if idx < 0 {
		return key, nil
	}
	name := key[:idx]
	var params ical.Params
	if err := json.Unmarshal([]byte(key[idx+1:]), &params); err != nil {
		return name, nil
	}
	return name, params
}

// buildVTimezone emits a VTIMEZONE for tzid holding a single STANDARD
// subcomponent (DTSTART 19700101T000000) whose TZOFFSETFROM and TZOFFSETTO
// are both the zone's offset at the moment of the call. No DAYLIGHT
// subcomponent and no RRULE are emitted, so daylight-saving transitions are
// not expressed.
func buildVTimezone(tzid string) (*ical.Component, error) {
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return nil, err
	}
	tz := &ical.Component{Name: "VTIMEZONE", Props: ical.Props{}}
	tz.Props.SetText("TZID", tzid)

	now := time.Now().In(loc)
	_, offset := now.Zone()

	std := &ical.Component{Name: "STANDARD", Props: ical.Props{}}
	std.Props.SetText(ical.PropDateTimeStart, "19700101T000000")
	std.Props.SetText("TZOFFSETFROM", formatUTCOffset(offset))
	std.Props.SetText("TZOFFSETTO", formatUTCOffset(offset))
	tz.Children = []*ical.Component{std}

	return tz, nil
}

func formatUTCOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	return fmt.Sprintf("%s%02d%02d", sign, h, m)
}
