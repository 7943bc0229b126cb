package ina226

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

// Connect followed by Configure(4A, 20mOhm, 16 samples):
// calibration = 0.00512 / ((4/32768) * 0.02) = 2097 = 0x0831
// config = AVG 16 | 1.1ms conversions | continuous = 0x0527
var pbSetup = []i2ctest.IO{
	{Addr: DefaultAddress, W: []uint8{0xFE}, R: []uint8{0x54, 0x49}},
	{Addr: DefaultAddress, W: []uint8{0xFF}, R: []uint8{0x22, 0x60}},
	{Addr: DefaultAddress, W: []uint8{0x05, 0x08, 0x31}},
	{Addr: DefaultAddress, W: []uint8{0x00, 0x05, 0x27}},
}

func setupDev(t *testing.T, readings ...i2ctest.IO) *Dev {
	bus := &i2ctest.Playback{Ops: append(append([]i2ctest.IO{}, pbSetup...), readings...), DontPanic: true}
	dev := New(bus, 0)
	require.NoError(t, dev.Connect())
	require.NoError(t, dev.Configure(4, 0.02, 16))
	return dev
}

func TestConnectRejectsWrongIDs(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddress, W: []uint8{0xFE}, R: []uint8{0x12, 0x34}},
		},
		DontPanic: true,
	}
	dev := New(bus, 0)
	assert.Error(t, dev.Connect())
}

func TestConfigureRejectsBadParameters(t *testing.T) {
	dev := New(&i2ctest.Playback{DontPanic: true}, 0)

	assert.Error(t, dev.Configure(0, 0.02, 16))
	assert.Error(t, dev.Configure(4, 0, 16))
	assert.Error(t, dev.Configure(4, 0.02, 5)) // not a hardware averaging depth
}

func TestReadingsRequireCalibration(t *testing.T) {
	dev := New(&i2ctest.Playback{DontPanic: true}, 0)

	_, err := dev.Current()
	assert.Error(t, err)
	_, err = dev.Power()
	assert.Error(t, err)
}

func TestBusVoltage(t *testing.T) {
	// 9000 * 1.25mV = 11.25V
	dev := setupDev(t, i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x02}, R: []uint8{0x23, 0x28}})

	v, err := dev.BusVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 11.25, v, 0.0001)
}

func TestShuntVoltage(t *testing.T) {
	// 2000 * 2.5uV = 5mV; negative raw values read back signed.
	dev := setupDev(t,
		i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x01}, R: []uint8{0x07, 0xD0}},
		i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x01}, R: []uint8{0xF8, 0x30}},
	)

	mv, err := dev.ShuntVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, mv, 0.0001)

	mv, err = dev.ShuntVoltage()
	require.NoError(t, err)
	assert.InDelta(t, -5.0, mv, 0.0001)
}

func TestCurrent(t *testing.T) {
	// current LSB = 4A/32768 = 0.122mA/bit; 2048 bits = 250mA.
	dev := setupDev(t,
		i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x04}, R: []uint8{0x08, 0x00}},
		i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x04}, R: []uint8{0xF8, 0x00}},
	)

	ma, err := dev.Current()
	require.NoError(t, err)
	assert.InDelta(t, 250, ma, 0.001)

	// Charging shows up as negative current.
	ma, err = dev.Current()
	require.NoError(t, err)
	assert.InDelta(t, -250, ma, 0.001)
}

func TestPower(t *testing.T) {
	// power LSB = 25 * current LSB = 3.0518mW/bit; 1000 bits = 3051.8mW.
	dev := setupDev(t, i2ctest.IO{Addr: DefaultAddress, W: []uint8{0x03}, R: []uint8{0x03, 0xE8}})

	mw, err := dev.Power()
	require.NoError(t, err)
	assert.InDelta(t, 3051.76, mw, 0.01)
}
