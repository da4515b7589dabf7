package icalcodec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/emersion/go-ical"

	"github.com/kashcal/sync-core/internal/model"
)

// knownProps are the properties parse/generate/patch model explicitly;
// everything else on a VEVENT is preserved verbatim in UnknownProps.
var knownProps = map[string]bool{
	ical.PropUID: true, ical.PropSummary: true, ical.PropLocation: true,
	ical.PropDescription: true, ical.PropDateTimeStart: true, ical.PropDateTimeEnd: true,
	ical.PropDuration: true, ical.PropStatus: true, ical.PropTransparency: true,
	ical.PropClass: true, ical.PropPriority: true, ical.PropGeo: true,
	ical.PropColor: true, ical.PropURL: true, ical.PropCategories: true,
	ical.PropRecurrenceRule: true, ical.PropRecurrenceDates: true, ical.PropExceptionDates: true,
	ical.PropRecurrenceID: true, ical.PropSequence: true, ical.PropDateTimeStamp: true,
	"VALARM": true,
}

// Parse decodes a VCALENDAR body into its VEVENT components.
// A VEVENT that fails to decode fails the whole call with a *ParseError
// carrying that VEVENT's UID; a wholly undecodable body also returns a
// *ParseError.
func Parse(text string) (*ParseResult, error) {
	cal, err := ical.NewDecoder(bytes.NewReader([]byte(text))).Decode()
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	result := &ParseResult{}
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		pe, err := parseVEvent(comp)
		if err != nil {
			uid := ""
			if u := comp.Props.Get(ical.PropUID); u != nil {
				uid = u.Value
			}
			return nil, &ParseError{UID: uid, Err: err}
		}
		result.Events = append(result.Events, *pe)
	}
	return result, nil
}

func parseVEvent(comp *ical.Component) (*ParsedEvent, error) {
	pe := &ParsedEvent{UnknownProps: map[string]string{}}

	uid := comp.Props.Get(ical.PropUID)
	if uid == nil {
		return nil, fmt.Errorf("missing UID")
	}
	pe.UID = uid.Value

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		pe.Title = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		pe.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		pe.Description = p.Value
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("missing DTSTART")
	}
	startMs, allDay, tzid, err := parseDateTimeProp(dtstart)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	pe.StartTs = startMs
	pe.IsAllDay = allDay
	pe.Timezone = tzid

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		endMs, _, _, err := parseDateTimeProp(dtend)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		if allDay {
			endMs = dayEndExclusiveToInclusive(endMs)
		}
		pe.EndTs = endMs
		pe.Duration = endMs - startMs
	} else if dur := comp.Props.Get(ical.PropDuration); dur != nil {
		d, err := parseDurationISO(dur.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		pe.Duration = d.Milliseconds()
		pe.EndTs = startMs + pe.Duration
	} else {
		pe.EndTs = startMs
	}

	pe.Status = model.Status(valueOr(comp.Props.Get(ical.PropStatus), string(model.StatusConfirmed)))
	pe.Transp = model.Transp(valueOr(comp.Props.Get(ical.PropTransparency), string(model.TranspOpaque)))
	pe.Classification = model.Classification(valueOr(comp.Props.Get(ical.PropClass), string(model.ClassPublic)))

	if p := comp.Props.Get(ical.PropPriority); p != nil {
		var v int
		if _, err := fmt.Sscanf(p.Value, "%d", &v); err == nil {
			pe.Priority = &v
		}
	}
	if p := comp.Props.Get(ical.PropGeo); p != nil {
		var lat, lon float64
		if _, err := fmt.Sscanf(p.Value, "%f;%f", &lat, &lon); err == nil {
			pe.GeoLat, pe.GeoLon = &lat, &lon
		}
	}
	if p := comp.Props.Get(ical.PropColor); p != nil {
		pe.Color = p.Value
	}
	if p := comp.Props.Get(ical.PropURL); p != nil {
		pe.URL = p.Value
	}
	if p := comp.Props.Get(ical.PropCategories); p != nil {
		pe.Categories = splitCategories(p.Value)
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		pe.RRule = p.Value
	}
	if rdates, err := parseRDatesExDates(comp.Props.Values(ical.PropRecurrenceDates)); err == nil {
		pe.RDate = rdates
	}
	if exdates, err := parseRDatesExDates(comp.Props.Values(ical.PropExceptionDates)); err == nil {
		pe.ExDate = exdates
	}

	if recID := comp.Props.Get(ical.PropRecurrenceID); recID != nil {
		ms, _, _, err := parseDateTimeProp(recID)
		if err == nil {
			pe.OriginalInstanceTime = &ms
		}
	}

	if p := comp.Props.Get(ical.PropSequence); p != nil {
		var v int
		fmt.Sscanf(p.Value, "%d", &v)
		pe.Sequence = v
	}
	if p := comp.Props.Get(ical.PropDateTimeStamp); p != nil {
		if ms, _, _, err := parseDateTimeProp(p); err == nil {
			pe.DTStamp = msToTime(ms)
		}
	}

	for _, child := range comp.Children {
		if child.Name != "VALARM" {
			continue
		}
		pe.AlarmCount++
		if len(pe.Reminders) >= model.MaxStoredReminders {
			continue
		}
		if r, ok := parseAlarm(child); ok {
			pe.Reminders = append(pe.Reminders, r)
		}
	}

	for name, props := range comp.Props {
		if knownProps[name] {
			continue
		}
		for _, p := range props {
			key := name
			if len(p.Params) > 0 {
				if raw, err := json.Marshal(p.Params); err == nil {
					key = name + ";" + string(raw)
				}
			}
			pe.UnknownProps[key] = p.Value
		}
	}

	var buf bytes.Buffer
	single := &ical.Calendar{Component: &ical.Component{Name: ical.CompCalendar, Props: ical.Props{}}}
	single.Props.SetText(ical.PropVersion, "2.0")
	single.Props.SetText(ical.PropProductID, prodID)
	single.Children = []*ical.Component{comp}
	if err := ical.NewEncoder(&buf).Encode(single); err == nil {
		pe.RawICal = buf.String()
	}

	return pe, nil
}

func parseAlarm(comp *ical.Component) (model.Reminder, bool) {
	trigger := comp.Props.Get("TRIGGER")
	if trigger == nil {
		return model.Reminder{}, false
	}
	d, err := parseDurationISO(trigger.Value)
	if err != nil {
		return model.Reminder{}, false
	}
	minutes := int(-d / 60e9)
	action := "DISPLAY"
	if a := comp.Props.Get("ACTION"); a != nil {
		action = a.Value
	}
	return model.Reminder{MinutesBefore: minutes, Action: action}, true
}

func valueOr(p *ical.Prop, def string) string {
	if p == nil {
		return def
	}
	return p.Value
}

func splitCategories(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
