/*
battery-gauge - INA226 battery fuel gauge
Copyright (C) 2025, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	goconfig "github.com/TheCacophonyProject/go-config"
	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/TheCacophonyProject/battery-gauge/gauge"
	"github.com/TheCacophonyProject/battery-gauge/ina226"
	"github.com/TheCacophonyProject/battery-gauge/nvstore"
)

const (
	// Report events on 5% change.
	percentChangeThreshold = 5.0

	readingsCSVFile = "/var/log/battery-readings.csv"
	maxReadingLines = 20000

	// Parameters for sensor connection retries.
	maxBeginAttempts   = 10
	beginRetryInterval = 2 * time.Second
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	ConfigDir             string  `arg:"-c,--config" help:"configuration folder"`
	I2CAddress            int     `arg:"--i2c-address" help:"INA226 I2C address"`
	Capacity              float64 `arg:"--capacity" help:"battery rated capacity in mAh"`
	Shunt                 float64 `arg:"--shunt" help:"shunt resistance in ohms"`
	MaxCurrent            float64 `arg:"--max-current" help:"maximum expected current in amps"`
	Polarity              int     `arg:"--polarity" help:"current polarity sign, +1 or -1, for reversed shunt wiring"`
	Deadzone              float64 `arg:"--deadzone" help:"current deadzone in mA, below this flow is treated as zero"`
	Average               int     `arg:"--average" help:"hardware averaging depth (1, 4, 16, 64, ...)"`
	StateFile             string  `arg:"--state-file" help:"path of the battery state database"`
	SaveIntervalMinutes   int     `arg:"--save-interval" help:"minimum minutes between state saves"`
	MinSaveDelta          float64 `arg:"--min-save-delta" help:"minimum capacity change in mAh to trigger a save"`
	FullChargeVoltage     float64 `arg:"--full-charge-voltage" help:"voltage above which the pack may be considered full"`
	FullChargeCurrent     float64 `arg:"--full-charge-current" help:"current in mA below which the pack may be considered full"`
	SampleRateSeconds     int     `arg:"--sample-rate" help:"sample rate in seconds"`
	LogRateMinutes        int     `arg:"--log-rate" help:"log rate in minutes"`
	ReportIntervalMinutes int     `arg:"--report-interval" help:"max time between battery event reports in minutes"`
	SerialPort            string  `arg:"--serial-port" help:"serial port for debug commands (r=reset, c=clear)"`
	SerialBaud            int     `arg:"--serial-baud" help:"baud rate for the debug command port"`
	LogLevel              string  `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	defaults := gauge.DefaultConfig()
	args := argSpec{
		ConfigDir:             goconfig.DefaultConfigDir,
		I2CAddress:            int(ina226.DefaultAddress),
		Capacity:              defaults.CapacityMAh,
		Shunt:                 float64(defaults.ShuntOhms),
		MaxCurrent:            float64(defaults.MaxCurrentA),
		Polarity:              1,
		Deadzone:              float64(defaults.CurrentDeadzoneMA),
		Average:               defaults.AverageSamples,
		StateFile:             "/var/lib/battery-gauge/state.db",
		SaveIntervalMinutes:   10,
		MinSaveDelta:          defaults.MinSaveDeltaMAh,
		FullChargeVoltage:     float64(defaults.FullChargeVoltage),
		FullChargeCurrent:     float64(defaults.FullChargeCurrentMA),
		SampleRateSeconds:     1,
		LogRateMinutes:        5,
		ReportIntervalMinutes: 120,
		SerialBaud:            115200,
	}
	arg.MustParse(&args)
	return args
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

var (
	sampleMu     sync.Mutex
	latestSample gauge.Sample
)

func setLatestSample(s gauge.Sample) {
	sampleMu.Lock()
	latestSample = s
	sampleMu.Unlock()
}

func getLatestSample() gauge.Sample {
	sampleMu.Lock()
	defer sampleMu.Unlock()
	return latestSample
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)

	log.Info("Running version: ", version)

	cfg := gauge.Config{
		CapacityMAh:         args.Capacity,
		ShuntOhms:           float32(args.Shunt),
		MaxCurrentA:         float32(args.MaxCurrent),
		CurrentPolarity:     args.Polarity,
		CurrentDeadzoneMA:   float32(args.Deadzone),
		AverageSamples:      args.Average,
		SocTable:            loadSocTable(args.ConfigDir),
		Namespace:           "bat",
		StateKey:            "state",
		SaveInterval:        time.Duration(args.SaveIntervalMinutes) * time.Minute,
		MinSaveDeltaMAh:     args.MinSaveDelta,
		StartupSamples:      5,
		StartupSampleDelay:  50 * time.Millisecond,
		FullChargeVoltage:   float32(args.FullChargeVoltage),
		FullChargeCurrentMA: float32(args.FullChargeCurrent),
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(args.StateFile), 0755); err != nil {
		return err
	}

	estimator := gauge.New(cfg, ina226.New(bus, uint16(args.I2CAddress)), nvstore.New(args.StateFile))
	estimator.SetLogger(log)

	log.Info("Connecting to INA226.")
	if err := beginWithRetries(estimator); err != nil {
		return err
	}
	setLatestSample(estimator.Latest())

	commands := newCommandQueue()
	if err := startService(getLatestSample, commands); err != nil {
		return err
	}
	if args.SerialPort != "" {
		if err := startSerialCommands(args.SerialPort, args.SerialBaud, commands); err != nil {
			return fmt.Errorf("opening debug command port: %w", err)
		}
	}

	if err := keepLastLines(readingsCSVFile, maxReadingLines); err != nil {
		return err
	}
	trimCSVTime := time.Now()

	lastLogTime := time.Time{}
	logRate := time.Duration(args.LogRateMinutes) * time.Minute

	lastReportTime := time.Time{}
	lastReportedPercent := float32(-1)
	reportInterval := time.Duration(args.ReportIntervalMinutes) * time.Minute

	ticker := time.NewTicker(time.Duration(args.SampleRateSeconds) * time.Second)
	defer ticker.Stop()

	for now := range ticker.C {
		if time.Since(trimCSVTime) > 24*time.Hour {
			if err := keepLastLines(readingsCSVFile, maxReadingLines); err != nil {
				return err
			}
			trimCSVTime = time.Now()
		}

		sample, err := estimator.Update(now, commands)
		setLatestSample(sample)
		if err != nil {
			log.Warnf("Battery reading failed: %v", err)
			continue
		}

		if time.Since(lastLogTime) > logRate {
			log.Infof("Voltage: %.3fV, Current: %.1fmA, SoC: %.1f%% (%.0f mAh)",
				sample.BusVoltage, sample.CurrentMA, sample.Percent, sample.RemainingMAh)
			lastLogTime = time.Now()
		} else {
			log.Debugf("Voltage: %.3fV, Current: %.1fmA, SoC: %.1f%% (%.0f mAh)",
				sample.BusVoltage, sample.CurrentMA, sample.Percent, sample.RemainingMAh)
		}

		if err := logReadingToFile(sample); err != nil {
			return err
		}

		percentDelta := math.Abs(float64(sample.Percent - lastReportedPercent))
		if lastReportedPercent < 0 || percentDelta >= percentChangeThreshold ||
			time.Since(lastReportTime) > reportInterval {
			reportBatteryEvent(sample)
			if err := sendBatterySignal(float64(sample.BusVoltage), float64(sample.Percent)); err != nil {
				log.Error("Error sending battery signal: ", err)
			}
			lastReportedPercent = sample.Percent
			lastReportTime = time.Now()
		}
	}
	return nil
}

func beginWithRetries(estimator *gauge.Estimator) error {
	var err error
	for i := 0; i < maxBeginAttempts; i++ {
		if err = estimator.Begin(); err == nil {
			return nil
		}
		log.Warnf("Sensor init failed, retrying: %v", err)
		time.Sleep(beginRetryInterval)
	}
	return err
}

// loadSocTable builds a voltage to SoC lookup table from the configured
// battery chemistry, falling back to the built-in 3-cell table when nothing
// usable is configured.
func loadSocTable(configDir string) gauge.SocTable {
	conf, err := goconfig.New(configDir)
	if err != nil {
		log.Warnf("Could not load config, using default SoC table: %v", err)
		return nil
	}
	battery := goconfig.DefaultBattery()
	if err := conf.Unmarshal(goconfig.BatteryKey, &battery); err != nil {
		log.Warnf("Could not read battery config, using default SoC table: %v", err)
		return nil
	}
	if battery.Chemistry == "" || battery.ManualCellCount <= 0 {
		return nil
	}
	profile, err := battery.GetChemistryProfile()
	if err != nil {
		log.Warnf("Could not resolve battery chemistry, using default SoC table: %v", err)
		return nil
	}
	table := socTableFromProfile(profile, battery.ManualCellCount)
	if table == nil {
		log.Warnf("Chemistry %s has no usable discharge curve, using default SoC table", battery.Chemistry)
		return nil
	}
	log.Infof("Using %s SoC table scaled to %d cells", battery.Chemistry, battery.ManualCellCount)
	return table
}

// socTableFromProfile converts a single-cell discharge curve (ascending
// voltages) into a pack-level lookup table (descending voltages).
func socTableFromProfile(profile *goconfig.BatteryType, cellCount int) gauge.SocTable {
	if len(profile.Voltages) != len(profile.Percent) || len(profile.Voltages) < 2 || cellCount < 1 {
		return nil
	}
	n := len(profile.Voltages)
	table := make(gauge.SocTable, n)
	for i := 0; i < n; i++ {
		table[i] = gauge.SocPoint{
			Voltage: profile.Voltages[n-1-i] * float32(cellCount),
			Percent: profile.Percent[n-1-i],
		}
	}
	return table
}

func logReadingToFile(sample gauge.Sample) error {
	file, err := os.OpenFile(readingsCSVFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s, %.3f, %.3f, %.1f, %.2f, %.2f, %.2f",
		sample.Time.Format("2006-01-02 15:04:05"),
		sample.BusVoltage, sample.ShuntVoltageMV, sample.CurrentMA,
		sample.PowerMW, sample.RemainingMAh, sample.Percent)
	if _, err := file.WriteString(line + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func reportBatteryEvent(sample gauge.Sample) {
	err := eventclient.AddEvent(eventclient.Event{
		Timestamp: sample.Time,
		Type:      "battery",
		Details: map[string]interface{}{
			"voltage":      sample.BusVoltage,
			"current":      sample.CurrentMA,
			"percent":      sample.Percent,
			"remainingMAh": sample.RemainingMAh,
		},
	})
	if err != nil {
		log.Error("Error reporting battery event: ", err)
	}
}

// keepLastLines keeps the last `maxLines` lines of the specified file.
func keepLastLines(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := filepath.Join(os.TempDir(), filepath.Base(filePath)+".tmp")
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}
