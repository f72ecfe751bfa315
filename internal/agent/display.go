package agent

import "time"

const (
	isoLayout     = "2006-01-02T15:04:05.000"
	clock12Layout = "03:04:05 PM"
	dateLayout    = "Monday, January 2, 2006"
)

func displayStrings(t time.Time) (iso, clock12, date string) {
	return t.Format(isoLayout), t.Format(clock12Layout), t.Format(dateLayout)
}
