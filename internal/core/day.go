package core

import "time"

// DayClock maps instants to logical days. A logical day starts at the cutoff time of day in
// Location, so with a 04:00 cutoff, 02:30 still belongs to the previous day.
type DayClock struct {
	Location *time.Location
	Cutoff   time.Duration // offset from local midnight, [0, 24h)
}

func (d DayClock) loc() *time.Location {
	if d.Location == nil {
		return time.Local
	}
	return d.Location
}

// Start returns the beginning of the logical day containing t.
func (d DayClock) Start(t time.Time) time.Time {
	lt := t.In(d.loc())
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, d.loc())
	start := midnight.Add(d.Cutoff)
	if lt.Before(start) {
		prev := midnight.AddDate(0, 0, -1)
		start = prev.Add(d.Cutoff)
	}
	return start
}

// Day returns the YYYY-MM-DD key of the logical day containing t.
func (d DayClock) Day(t time.Time) string {
	return d.Start(t).Format(time.DateOnly)
}

// NextCutoff returns the first cutoff strictly after t.
func (d DayClock) NextCutoff(t time.Time) time.Time {
	start := d.Start(t)
	lt := start.In(d.loc())
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, d.loc())
	return midnight.AddDate(0, 0, 1).Add(d.Cutoff)
}
