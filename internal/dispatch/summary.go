package dispatch

// Summarize counts results by status.
func Summarize(results []DeviceResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status() {
		case StatusSucceeded:
			s.Succeeded++
		case StatusTimedOut:
			s.TimedOut++
		default:
			// A pending result here would be a dispatcher bug; counting it
			// as failed keeps the totals consistent.
			s.Failed++
		}
	}
	return s
}
