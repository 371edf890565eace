package history

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/ru"
)

// yekaterinburg is the service timezone. Travel time buckets use local
// service hours, not UTC
var yekaterinburg = time.FixedZone("Asia/Yekaterinburg", 5*60*60)

// serviceCalendar holds the public holidays that run on a sunday
// timetable
func serviceCalendar() *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	c.AddHoliday(ru.Holidays...)
	return c
}

// DayType buckets an instant into weekday, saturday or sunday service.
// Public holidays run the sunday timetable
func (r *Recorder) DayType(at time.Time) string {
	local := at.In(yekaterinburg)
	if _, observed, _ := r.cal.IsHoliday(local); observed {
		return "sunday"
	}
	switch local.Weekday() {
	case time.Saturday:
		return "saturday"
	case time.Sunday:
		return "sunday"
	default:
		return "weekday"
	}
}

// isNightHour reports whether trams are out of service at the local hour
// (00:00 to 04:59)
func isNightHour(localHour int) bool {
	return localHour < 5
}
