package energy

// State tracks energy across the cycles of one turn.
type State struct {
	Initial     float64   `json:"initial"`
	Current     float64   `json:"current"`
	History     []float64 `json:"history"`
	DescentRate float64   `json:"descent_rate"`
}

// Record appends a cycle's energy and refreshes Current and DescentRate.
func (s *State) Record(e float64) {
	e = Clamp01(e)
	if len(s.History) == 0 {
		s.Initial = e
	}
	s.History = append(s.History, e)
	s.Current = e
	s.DescentRate = (s.Initial - s.Current) / float64(max(len(s.History), 1))
}

// Cycles returns how many energies have been recorded.
func (s *State) Cycles() int { return len(s.History) }

// Last returns the n-th most recent energy (0 = latest) and whether it exists.
func (s *State) Last(n int) (float64, bool) {
	i := len(s.History) - 1 - n
	if i < 0 {
		return 0, false
	}
	return s.History[i], true
}

// Delta returns |E[t-1] - E[t-2]|, the inter-cycle change feeding cycle t.
func (s *State) Delta() float64 {
	a, okA := s.Last(0)
	b, okB := s.Last(1)
	if !okA || !okB {
		return 0
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d
}
