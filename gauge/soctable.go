package gauge

// SocPoint anchors a state-of-charge percentage to an open-circuit voltage.
type SocPoint struct {
	Voltage float32 // volts
	Percent float32
}

// SocTable maps open-circuit voltage to state of charge by linear
// interpolation between anchor points. Points must be sorted by descending
// voltage with non-increasing percentages; the table does not validate
// ordering.
type SocTable []SocPoint

// defaultSocTable is a representative 3-cell li-ion pack discharge curve,
// used when no table is configured.
var defaultSocTable = SocTable{
	{12.60, 100.0},
	{12.30, 90.0},
	{12.00, 80.0},
	{11.70, 70.0},
	{11.40, 60.0},
	{11.10, 50.0},
	{10.80, 40.0},
	{10.50, 30.0},
	{10.20, 20.0},
	{9.60, 10.0},
	{9.00, 0.0},
}

// DefaultSocTable returns a copy of the built-in 3-cell discharge curve.
func DefaultSocTable() SocTable {
	t := make(SocTable, len(defaultSocTable))
	copy(t, defaultSocTable)
	return t
}

// Percent estimates state of charge for the given voltage, saturating at the
// first and last anchor points.
func (t SocTable) Percent(voltage float32) float32 {
	if len(t) < 2 {
		t = defaultSocTable
	}

	if voltage >= t[0].Voltage {
		return t[0].Percent
	}
	if voltage <= t[len(t)-1].Voltage {
		return t[len(t)-1].Percent
	}

	for i := 0; i+1 < len(t); i++ {
		highV, lowV := t[i].Voltage, t[i+1].Voltage
		if voltage <= highV && voltage > lowV {
			highP, lowP := t[i].Percent, t[i+1].Percent
			return lowP + (voltage-lowV)*(highP-lowP)/(highV-lowV)
		}
	}

	return t[len(t)-1].Percent
}
