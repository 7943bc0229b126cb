package gauge

// Sensor is the current/voltage-sense IC the estimator reads from. All reads
// are fallible; a read error makes the estimator skip integration for that
// tick instead of integrating a stale or garbage value.
type Sensor interface {
	// Connect checks the sensor acknowledges on the bus.
	Connect() error

	// Configure pushes calibration parameters to the sensor. Samples is the
	// hardware averaging depth (1, 4, 16, 64, ...).
	Configure(maxCurrentA, shuntOhms float32, samples int) error

	// BusVoltage returns the bus voltage in volts.
	BusVoltage() (float32, error)

	// ShuntVoltage returns the voltage across the shunt in millivolts.
	ShuntVoltage() (float32, error)

	// Current returns the current in milliamps.
	Current() (float32, error)

	// Power returns the sensor-computed power in milliwatts.
	Power() (float32, error)
}
