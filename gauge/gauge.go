package gauge

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the estimator settings. It is not modified after New.
type Config struct {
	// Battery and sensing parameters.
	CapacityMAh       float64 // rated capacity
	ShuntOhms         float32
	MaxCurrentA       float32
	CurrentPolarity   int     // +1 or -1, corrects for shunt wiring; 0 means +1
	CurrentDeadzoneMA float32 // currents below this magnitude are not integrated
	AverageSamples    int     // hardware averaging depth

	// Voltage to SoC lookup. Fewer than 2 points means the built-in 3-cell
	// table is used.
	SocTable SocTable

	// Persistence. An empty namespace or key disables persistence.
	Namespace       string
	StateKey        string
	SaveInterval    time.Duration
	MinSaveDeltaMAh float64

	// Startup voltage sampling, to average out the power-on transient.
	StartupSamples     int
	StartupSampleDelay time.Duration

	// Full-charge detection: voltage above FullChargeVoltage with current
	// magnitude below FullChargeCurrentMA snaps SoC back to 100%.
	FullChargeVoltage   float32
	FullChargeCurrentMA float32
}

// DefaultConfig returns settings for a 3-cell 3000 mAh pack behind a 20 mΩ
// shunt, saving state at most every 10 minutes.
func DefaultConfig() Config {
	return Config{
		CapacityMAh:         3000,
		ShuntOhms:           0.02,
		MaxCurrentA:         4,
		CurrentPolarity:     1,
		CurrentDeadzoneMA:   1,
		AverageSamples:      16,
		Namespace:           "bat",
		StateKey:            "state",
		SaveInterval:        10 * time.Minute,
		MinSaveDeltaMAh:     1,
		StartupSamples:      5,
		StartupSampleDelay:  50 * time.Millisecond,
		FullChargeVoltage:   12.5,
		FullChargeCurrentMA: 50,
	}
}

// Sample is the latest-reading snapshot published by each update.
type Sample struct {
	Time            time.Time
	BusVoltage      float32 // volts
	ShuntVoltageMV  float32
	CurrentMA       float32 // polarity corrected
	PowerMW         float32 // as reported by the sensor
	ComputedPowerMW float32 // bus voltage x |current|
	RemainingMAh    float64
	Percent         float32

	// Stale is set when the sensor could not be read this tick; the charge
	// figures then carry over from the previous update.
	Stale bool
}

// Estimator tracks remaining battery charge by coulomb counting, with a
// voltage-based estimate for cold starts, and persists its state through a
// Store. It is not safe for concurrent use; Begin and Update must be called
// from a single goroutine.
type Estimator struct {
	cfg    Config
	sensor Sensor
	store  Store
	log    logrus.FieldLogger

	latest Sample

	remainingMAh float64
	percent      float32

	lastUpdate   time.Time
	lastSave     time.Time
	lastSavedMAh float64 // NaN until the first save
	now          func() time.Time
}

// New returns an estimator for the given sensor and store. The store may be
// nil when cfg disables persistence. State starts at full charge until Begin
// replaces it with a voltage estimate or a recovered record.
func New(cfg Config, sensor Sensor, store Store) *Estimator {
	if cfg.CurrentPolarity == 0 {
		cfg.CurrentPolarity = 1
	}
	if cfg.CapacityMAh <= 0 {
		// SoC is derived as remaining/capacity, so a zero capacity would
		// poison every sample and record with NaN.
		cfg.CapacityMAh = DefaultConfig().CapacityMAh
	}
	return &Estimator{
		cfg:          cfg,
		sensor:       sensor,
		store:        store,
		remainingMAh: cfg.CapacityMAh,
		percent:      100,
		lastSavedMAh: math.NaN(),
		now:          time.Now,
	}
}

// SetLogger sets an optional logging sink. Without one the estimator is
// silent; it never fails an update over a log.
func (e *Estimator) SetLogger(log logrus.FieldLogger) {
	e.log = log
}

// Begin connects and calibrates the sensor, estimates SoC from an averaged
// startup voltage, then replaces that estimate with persisted state if a
// valid record exists. Persistence problems are not fatal; only a sensor
// that fails to initialise is.
func (e *Estimator) Begin() error {
	if err := e.sensor.Connect(); err != nil {
		return fmt.Errorf("connecting to sensor: %w", err)
	}
	if err := e.sensor.Configure(e.cfg.MaxCurrentA, e.cfg.ShuntOhms, e.cfg.AverageSamples); err != nil {
		return fmt.Errorf("configuring sensor: %w", err)
	}

	samples := e.cfg.StartupSamples
	if samples < 1 {
		samples = 1
	}
	var total float32
	for i := 0; i < samples; i++ {
		v, err := e.sensor.BusVoltage()
		if err != nil {
			return fmt.Errorf("reading startup voltage: %w", err)
		}
		total += v
		if e.cfg.StartupSampleDelay > 0 {
			time.Sleep(e.cfg.StartupSampleDelay)
		}
	}
	startupVoltage := total / float32(samples)
	e.ResetStateFromVoltage(startupVoltage)

	if saved, err := e.loadState(); err == nil {
		e.remainingMAh = saved
		e.clampRemaining()
		e.logf("restored battery state: %.2f mAh (SoC %.1f%%)", e.remainingMAh, e.percent)
	} else if e.persistenceEnabled() {
		e.logf("no usable saved battery state (%v), seeding from voltage estimate", err)
		if err := e.saveState(e.remainingMAh); err != nil {
			e.logf("seeding battery state failed: %v", err)
		} else {
			e.logf("seeded battery state: %.2f mAh (SoC %.1f%%)", e.remainingMAh, e.percent)
		}
	}

	e.latest = Sample{
		Time:         e.now(),
		BusVoltage:   startupVoltage,
		RemainingMAh: e.remainingMAh,
		Percent:      e.percent,
	}

	now := e.now()
	e.lastUpdate = now
	e.lastSave = now
	e.lastSavedMAh = e.remainingMAh
	return nil
}

// Update reads the sensor, consumes at most one pending command, integrates
// the measured current over the time since the last update and applies the
// save policy. Callers are expected to invoke it at a roughly periodic
// cadence; correctness does not depend on the period since integration uses
// measured elapsed time. A sensor read error yields a stale sample and skips
// integration for the tick.
func (e *Estimator) Update(now time.Time, commands CommandSource) (Sample, error) {
	sample := Sample{Time: now}

	busVoltage, err := e.sensor.BusVoltage()
	if err == nil {
		sample.ShuntVoltageMV, err = e.sensor.ShuntVoltage()
	}
	if err == nil {
		sample.CurrentMA, err = e.sensor.Current()
	}
	if err == nil {
		sample.PowerMW, err = e.sensor.Power()
	}
	if err != nil {
		// Advance the clock over the failed span so a later update doesn't
		// integrate the new current across it.
		e.lastUpdate = now
		sample.Stale = true
		sample.RemainingMAh = e.remainingMAh
		sample.Percent = e.percent
		e.latest = sample
		return sample, fmt.Errorf("reading sensor: %w", err)
	}

	sample.BusVoltage = busVoltage
	sample.CurrentMA *= float32(e.cfg.CurrentPolarity)
	absCurrentMA := float32(math.Abs(float64(sample.CurrentMA)))
	sample.ComputedPowerMW = busVoltage * absCurrentMA

	effectiveCurrentMA := sample.CurrentMA
	if absCurrentMA < e.cfg.CurrentDeadzoneMA {
		effectiveCurrentMA = 0
	}

	if commands != nil {
		switch cmd := commands.NextCommand(); cmd {
		case CommandEraseAndReset:
			e.logf("command %s", cmd)
			e.EraseState()
			e.ResetStateFromVoltage(busVoltage)
			e.maybeSave(now, true)
		case CommandReset:
			e.logf("command %s", cmd)
			e.ResetStateFromVoltage(busVoltage)
			e.maybeSave(now, true)
		}
	}

	if elapsed := now.Sub(e.lastUpdate); elapsed > 0 {
		// Positive current is discharge.
		e.remainingMAh -= float64(effectiveCurrentMA) * elapsed.Hours()
		e.clampRemaining()
		e.lastUpdate = now
	}

	if busVoltage > e.cfg.FullChargeVoltage && absCurrentMA < e.cfg.FullChargeCurrentMA {
		e.remainingMAh = e.cfg.CapacityMAh
		e.percent = 100
		e.logf("battery charged, SoC reset to 100%%")
		e.maybeSave(now, true)
	}

	e.maybeSave(now, false)

	sample.RemainingMAh = e.remainingMAh
	sample.Percent = e.percent
	e.latest = sample
	return sample, nil
}

// Latest returns the most recent sample snapshot.
func (e *Estimator) Latest() Sample {
	return e.latest
}

// ResetStateFromVoltage re-derives SoC and remaining capacity from a voltage
// reading via the lookup table.
func (e *Estimator) ResetStateFromVoltage(voltage float32) {
	e.percent = e.cfg.SocTable.Percent(voltage)
	e.remainingMAh = float64(e.percent) / 100 * e.cfg.CapacityMAh
}

// EraseState removes all persisted battery state. Failures are logged only.
func (e *Estimator) EraseState() {
	if !e.persistenceEnabled() {
		return
	}
	bucket, err := e.store.Open(e.cfg.Namespace, false)
	if err != nil {
		e.logf("opening store to erase battery state: %v", err)
		return
	}
	defer bucket.Close()
	if err := bucket.EraseAll(); err != nil {
		e.logf("erasing battery state: %v", err)
		return
	}
	e.logf("erased persisted battery state")
}

func (e *Estimator) clampRemaining() {
	if e.remainingMAh < 0 {
		e.remainingMAh = 0
	}
	if e.remainingMAh > e.cfg.CapacityMAh {
		e.remainingMAh = e.cfg.CapacityMAh
	}
	e.percent = float32(e.remainingMAh / e.cfg.CapacityMAh * 100)
}

func (e *Estimator) persistenceEnabled() bool {
	return e.store != nil && e.cfg.Namespace != "" && e.cfg.StateKey != ""
}

func (e *Estimator) loadState() (float64, error) {
	if !e.persistenceEnabled() {
		return 0, fmt.Errorf("persistence disabled")
	}
	bucket, err := e.store.Open(e.cfg.Namespace, true)
	if err != nil {
		return 0, fmt.Errorf("opening store: %w", err)
	}
	defer bucket.Close()
	data, err := bucket.Read(e.cfg.StateKey)
	if err != nil {
		return 0, err
	}
	return decodeStateRecord(data, e.cfg.CapacityMAh)
}

func (e *Estimator) saveState(remainingMAh float64) error {
	if !e.persistenceEnabled() {
		return fmt.Errorf("persistence disabled")
	}
	bucket, err := e.store.Open(e.cfg.Namespace, false)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer bucket.Close()
	return bucket.Write(e.cfg.StateKey, encodeStateRecord(e.cfg.CapacityMAh, remainingMAh))
}

// maybeSave applies the flash-wear throttling policy: unforced saves are
// skipped while the save interval hasn't elapsed, or when the capacity moved
// less than the minimum delta since the last save.
func (e *Estimator) maybeSave(now time.Time, force bool) {
	if !e.persistenceEnabled() {
		return
	}
	if !force && now.Sub(e.lastSave) < e.cfg.SaveInterval {
		return
	}
	if !force && !math.IsNaN(e.lastSavedMAh) &&
		math.Abs(e.remainingMAh-e.lastSavedMAh) < e.cfg.MinSaveDeltaMAh {
		e.lastSave = now
		return
	}

	if err := e.saveState(e.remainingMAh); err != nil {
		e.logf("saving battery state: %v", err)
		// Advance the timestamp anyway so a broken store isn't retried on
		// every update.
		e.lastSave = now
		return
	}
	e.lastSavedMAh = e.remainingMAh
	e.lastSave = now
	e.logf("saved battery state: %.2f mAh (SoC %.1f%%)", e.remainingMAh, e.percent)
}

func (e *Estimator) logf(format string, args ...interface{}) {
	if e.log == nil {
		return
	}
	e.log.Infof(format, args...)
}
