// Package ina226 drives a TI INA226 current/voltage monitor over I2C and
// scales its registers to physical units. Current and power readings need
// Configure to be called first so the calibration register matches the shunt.
package ina226

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

const (
	DefaultAddress uint16 = 0x40

	regConfig         byte = 0x00
	regShuntVoltage   byte = 0x01
	regBusVoltage     byte = 0x02
	regPower          byte = 0x03
	regCurrent        byte = 0x04
	regCalibration    byte = 0x05
	regManufacturerID byte = 0xFE
	regDieID          byte = 0xFF

	manufacturerID uint16 = 0x5449 // "TI"
	dieID          uint16 = 0x2260

	busVoltageLSB   = 1.25e-3 // V/bit
	shuntVoltageLSB = 2.5e-3  // mV/bit (2.5 uV)

	// Continuous shunt and bus conversion, 1.1 ms conversion times.
	configMode   uint16 = 0x07
	configBusCT  uint16 = 0x4 << 6
	configShunt  uint16 = 0x4 << 3
	calScaleWord        = 0.00512 // from the INA226 datasheet
)

// avgBits maps hardware averaging depth to the AVG field of the
// configuration register.
var avgBits = map[int]uint16{
	1:    0,
	4:    1,
	16:   2,
	64:   3,
	128:  4,
	256:  5,
	512:  6,
	1024: 7,
}

// Dev is an INA226 on an I2C bus. It implements gauge.Sensor.
type Dev struct {
	conn *i2c.Dev

	currentLSBmA float64
	powerLSBmW   float64
}

func New(bus i2c.Bus, address uint16) *Dev {
	if address == 0 {
		address = DefaultAddress
	}
	return &Dev{conn: &i2c.Dev{Bus: bus, Addr: address}}
}

// Connect verifies the device answers with the INA226 manufacturer and die
// IDs.
func (d *Dev) Connect() error {
	mfg, err := d.readRegister(regManufacturerID)
	if err != nil {
		return fmt.Errorf("reading manufacturer ID: %w", err)
	}
	if mfg != manufacturerID {
		return fmt.Errorf("unexpected manufacturer ID %#04X", mfg)
	}
	die, err := d.readRegister(regDieID)
	if err != nil {
		return fmt.Errorf("reading die ID: %w", err)
	}
	if die != dieID {
		return fmt.Errorf("unexpected die ID %#04X", die)
	}
	return nil
}

// Configure programs the calibration register for the given shunt and
// expected maximum current, and sets the averaging depth. The INA226 LSB
// sizes for the current and power registers follow from the calibration
// value.
func (d *Dev) Configure(maxCurrentA, shuntOhms float32, samples int) error {
	if maxCurrentA <= 0 || shuntOhms <= 0 {
		return fmt.Errorf("invalid calibration: max current %.3fA, shunt %.4f ohm", maxCurrentA, shuntOhms)
	}
	avg, ok := avgBits[samples]
	if !ok {
		return fmt.Errorf("unsupported averaging depth %d", samples)
	}

	currentLSB := float64(maxCurrentA) / 32768 // A/bit
	cal := calScaleWord / (currentLSB * float64(shuntOhms))
	if cal > 0xFFFF {
		return fmt.Errorf("calibration value %.0f out of range", cal)
	}
	if err := d.writeRegister(regCalibration, uint16(cal)); err != nil {
		return fmt.Errorf("writing calibration: %w", err)
	}

	config := avg<<9 | configBusCT | configShunt | configMode
	if err := d.writeRegister(regConfig, config); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	d.currentLSBmA = currentLSB * 1000
	d.powerLSBmW = currentLSB * 25 * 1000
	return nil
}

// BusVoltage returns the bus voltage in volts.
func (d *Dev) BusVoltage() (float32, error) {
	raw, err := d.readRegister(regBusVoltage)
	if err != nil {
		return 0, err
	}
	return float32(float64(raw) * busVoltageLSB), nil
}

// ShuntVoltage returns the shunt voltage drop in millivolts.
func (d *Dev) ShuntVoltage() (float32, error) {
	raw, err := d.readRegister(regShuntVoltage)
	if err != nil {
		return 0, err
	}
	return float32(float64(int16(raw)) * shuntVoltageLSB), nil
}

// Current returns the shunt current in milliamps.
func (d *Dev) Current() (float32, error) {
	if d.currentLSBmA == 0 {
		return 0, fmt.Errorf("not calibrated, call Configure first")
	}
	raw, err := d.readRegister(regCurrent)
	if err != nil {
		return 0, err
	}
	return float32(float64(int16(raw)) * d.currentLSBmA), nil
}

// Power returns the sensor-computed power in milliwatts.
func (d *Dev) Power() (float32, error) {
	if d.powerLSBmW == 0 {
		return 0, fmt.Errorf("not calibrated, call Configure first")
	}
	raw, err := d.readRegister(regPower)
	if err != nil {
		return 0, err
	}
	return float32(float64(raw) * d.powerLSBmW), nil
}

func (d *Dev) readRegister(register byte) (uint16, error) {
	data := make([]byte, 2)
	if err := d.conn.Tx([]byte{register}, data); err != nil {
		return 0, err
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

func (d *Dev) writeRegister(register byte, value uint16) error {
	_, err := d.conn.Write([]byte{register, byte(value >> 8), byte(value)})
	return err
}
