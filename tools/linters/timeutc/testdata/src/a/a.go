package a

import "time"

func now() {
	_ = time.Now() // want "time.Now\\(\\) should be chained with .UTC\\(\\); stored timestamps are compared as UTC instants"
}

func nowPinned() {
	_ = time.Now().UTC()
}

func nowAssigned() {
	t := time.Now() // want "time.Now\\(\\) should be chained with .UTC\\(\\); stored timestamps are compared as UTC instants"
	_ = t
}

func nowChained() {
	_ = time.Now().UTC().Format(time.RFC3339)
}

func fromMillis(ms int64) {
	_ = time.UnixMilli(ms) // want "time.UnixMilli\\(\\) should be chained with .UTC\\(\\); stored timestamps are compared as UTC instants"
}

func fromMillisPinned(ms int64) {
	_ = time.UnixMilli(ms).UTC()
}

func fromSeconds(sec int64) {
	_ = time.Unix(sec, 0) // want "time.Unix\\(\\) should be chained with .UTC\\(\\); stored timestamps are compared as UTC instants"
}

func fromSecondsPinned(sec int64) {
	_ = time.Unix(sec, 0).UTC()
}

func dateLocal() {
	_ = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.Local) // want "time.Date\\(\\) should use time.UTC as its location; stored timestamps are compared as UTC instants"
}

func dateUTC() {
	_ = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
}

func nolintGeneral() {
	//nolint
	_ = time.Now()
}

func nolintSpecific() {
	_ = time.Now() //nolint:timeutc
}

func nolintOtherLinter() {
	_ = time.Now() //nolint:otherlinter // want "time.Now\\(\\) should be chained with .UTC\\(\\); stored timestamps are compared as UTC instants"
}
