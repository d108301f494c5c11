package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Doctor struct {
	DoctorID string `json:"doctor_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

type Service struct {
	ServiceID  string `json:"service_id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	AvgMinutes int    `json:"avg_minutes"`
	Active     bool   `json:"active"`
}

type Schedule struct {
	ScheduleID string     `json:"schedule_id"`
	DoctorID   string     `json:"doctor_id"`
	ServiceID  string     `json:"service_id"`
	Weekdays   WeekdaySet `json:"weekdays"`
	StartTime  string     `json:"start_time"`
	EndTime    string     `json:"end_time"`
	DailyQuota int        `json:"daily_quota"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Window returns the schedule's [start, end) window in minutes after midnight.
func (s Schedule) Window() (int, int, error) {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("end time %s must be after start time %s", s.EndTime, s.StartTime)
	}
	return start, end, nil
}

// Overlaps reports whether both schedules share a weekday and their windows intersect.
func (s Schedule) Overlaps(other Schedule) bool {
	if s.Weekdays&other.Weekdays == 0 {
		return false
	}
	aStart, aEnd, err := s.Window()
	if err != nil {
		return false
	}
	bStart, bEnd, err := other.Window()
	if err != nil {
		return false
	}
	return aStart < bEnd && bStart < aEnd
}

// OpeningOn returns the wall-clock start of the schedule on the given service date.
func (s Schedule) OpeningOn(date time.Time) time.Time {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return date
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, date.Location()).Add(time.Duration(start) * time.Minute)
}

func ParseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// WeekdaySet is a bitmask of time.Weekday values.
type WeekdaySet uint8

var weekdayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var set WeekdaySet
	for _, day := range days {
		set |= 1 << uint(day)
	}
	return set
}

func (w WeekdaySet) Has(day time.Weekday) bool {
	return w&(1<<uint(day)) != 0
}

func (w WeekdaySet) Days() []time.Weekday {
	var days []time.Weekday
	for day := time.Sunday; day <= time.Saturday; day++ {
		if w.Has(day) {
			days = append(days, day)
		}
	}
	return days
}

func ParseWeekday(raw string) (time.Weekday, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if len(name) > 3 {
		name = name[:3]
	}
	for i, candidate := range weekdayNames {
		if candidate == name {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

func (w WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 7)
	for _, day := range w.Days() {
		names = append(names, weekdayNames[day])
	}
	return json.Marshal(names)
}

func (w *WeekdaySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set WeekdaySet
	for _, name := range names {
		day, ok := ParseWeekday(name)
		if !ok {
			return fmt.Errorf("unknown weekday %q", name)
		}
		set |= NewWeekdaySet(day)
	}
	*w = set
	return nil
}

type Quota struct {
	ScheduleID  string `json:"schedule_id"`
	ServiceDate string `json:"service_date"`
	TotalQuota  int    `json:"total_quota"`
	UsedQuota   int    `json:"used_quota"`
}

func (q Quota) Available() int {
	if q.UsedQuota >= q.TotalQuota {
		return 0
	}
	return q.TotalQuota - q.UsedQuota
}

func (q Quota) MarshalJSON() ([]byte, error) {
	type quota Quota
	return json.Marshal(struct {
		quota
		AvailableQuota int `json:"available_quota"`
	}{quota(q), q.Available()})
}
