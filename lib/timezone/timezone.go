package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("America/Vancouver")
	if err != nil {
		panic(err)
	}
}

// force the timezone to the providers' local one because ingestion hosts
// are not guaranteed to run in it, which disturbs schedule parsing based
// on <time.Time>.Year()/Month()/Day()/Hour()/...
func Now() time.Time {
	return time.Now().In(Location)
}
