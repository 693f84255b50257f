package syncer

import "time"

// Window is one date-bounded run, To exclusive.
type Window struct {
	From time.Time
	To   time.Time
	Mode Mode
}

// NightlyWindows returns the two sales passes of a nightly run: the trailing
// days up to and including today as an incremental pass, then yesterday
// again as a full pass. Yesterday is covered twice on purpose; the second
// pass also deactivates lines deleted in the ERP.
func NightlyWindows(now time.Time, days int) []Window {
	if days <= 0 {
		days = 7
	}
	today := startOfDay(now)
	return []Window{
		{From: today.AddDate(0, 0, -days), To: today.AddDate(0, 0, 1), Mode: ModeIncremental},
		{From: today.AddDate(0, 0, -1), To: today, Mode: ModeFull},
	}
}

// NightlyPlan lists the runs a nightly trigger of t performs, in order.
func NightlyPlan(t Type, now time.Time, trailingDays int) []Params {
	switch t {
	case TypeCatalog:
		return []Params{{Type: t, Mode: ModeFull}}
	case TypeSales:
		windows := NightlyWindows(now, trailingDays)
		plan := make([]Params, 0, len(windows))
		for _, w := range windows {
			plan = append(plan, Params{Type: t, Mode: w.Mode, From: w.From, To: w.To})
		}
		return plan
	default:
		return []Params{{Type: t, Mode: ModeIncremental}}
	}
}
