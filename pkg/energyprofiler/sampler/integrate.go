package sampler

// Totals accumulates energy over interval readings. Readings carry interval
// averages, so energy is power times interval length.
type Totals struct {
	CPUWh     float64
	RAMWh     float64
	GPUWh     float64
	DurationS float64
	Samples   int
}

// Add folds one reading into the totals
func (t *Totals) Add(r Reading) {
	deltaHours := r.Interval.Hours()
	t.CPUWh += r.CPUWatts * deltaHours
	t.RAMWh += r.RAMWatts * deltaHours
	t.GPUWh += r.GPUWatts * deltaHours
	t.DurationS += r.Interval.Seconds()
	t.Samples++
}

// EnergyWh is the sum of all components
func (t Totals) EnergyWh() float64 {
	return t.CPUWh + t.RAMWh + t.GPUWh
}

// AveragePower converts an energy in Wh over the accumulated duration to watts
func (t Totals) AveragePower(wh float64) float64 {
	if t.DurationS <= 0 {
		return 0
	}
	return wh / (t.DurationS / 3600)
}

// Integrate sums a reading sequence
func Integrate(readings []Reading) Totals {
	var t Totals
	for _, r := range readings {
		t.Add(r)
	}
	return t
}
