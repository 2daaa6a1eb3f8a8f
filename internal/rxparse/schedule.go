package rxparse

import "time"

// ScheduleInput is what the schedule deriver needs from a parsed medication
type ScheduleInput struct {
	Frequency    Frequency
	AsNeeded     bool
	Cadence      Cadence
	Timing       Timing
	Slots        []Timing
	CustomTimes  []ClockTime
	DosageAmount float64
	ParseDate    time.Time
}

// fallback times for four_times_daily without explicit times
var fourTimesDaily = []ClockTime{At(6, 0), At(12, 0), At(18, 0), At(22, 0)}

// DeriveSchedule turns frequency, time of day or explicit times into schedule
// entries. The number of entries always equals the frequency count, or the
// number of distinct times when times are listed.
func DeriveSchedule(in ScheduleInput) []ScheduleEntry {
	entries := []ScheduleEntry{}
	// as-needed doses never get fixed times, even when times were written
	if in.AsNeeded || in.Frequency == FrequencyAsNeeded || in.Frequency == FrequencyUnknown {
		return entries
	}

	cadence := in.Cadence
	switch in.Frequency {
	case FrequencyWeekly:
		cadence = CadenceWeekly
	case FrequencyMonthly:
		cadence = CadenceMonthly
	}
	days, dayOfMonth := scheduleDays(cadence, in.ParseDate)

	slot := func(t Timing) ScheduleEntry {
		return ScheduleEntry{Timing: t, DosageAmount: in.DosageAmount, DaysOfWeek: days, DayOfMonth: dayOfMonth}
	}
	custom := func(t ClockTime) ScheduleEntry {
		e := slot(TimingCustom)
		e.CustomTime = &t
		return e
	}

	if len(in.CustomTimes) > 0 {
		for _, t := range sortedDistinct(in.CustomTimes) {
			entries = append(entries, custom(t))
		}
		return entries
	}

	count := in.Frequency.Count()
	switch {
	case count <= 0:
		return entries
	case count == 1:
		t := in.Timing
		if _, named := t.CanonicalTime(); !named {
			t = TimingMorning
		}
		return append(entries, slot(t))
	case len(in.Slots) == count:
		for _, t := range in.Slots {
			entries = append(entries, slot(t))
		}
		return entries
	}

	switch in.Frequency {
	case FrequencyTwiceDaily:
		entries = append(entries, slot(TimingMorning), slot(TimingNight))
	case FrequencyThreeTimesDaily:
		entries = append(entries, slot(TimingMorning), slot(TimingNoon), slot(TimingNight))
	case FrequencyFourTimesDaily:
		for _, t := range fourTimesDaily {
			entries = append(entries, custom(t))
		}
	}
	return entries
}

// scheduleDays flags the weekdays a cadence runs on. Weekly and monthly doses
// fall on the weekday of the parse date; monthly also pins the day of month.
func scheduleDays(c Cadence, date time.Time) ([7]bool, int) {
	var days [7]bool
	switch c {
	case CadenceWeekly:
		days[date.Weekday()] = true
		return days, 0
	case CadenceMonthly:
		days[date.Weekday()] = true
		return days, date.Day()
	}
	for i := range days {
		days[i] = true
	}
	return days, 0
}

func sortedDistinct(ts []ClockTime) []ClockTime {
	out := make([]ClockTime, 0, len(ts))
	seen := make(map[int]bool, len(ts))
	for _, t := range ts {
		if !seen[t.Minutes()] {
			seen[t.Minutes()] = true
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Before(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
