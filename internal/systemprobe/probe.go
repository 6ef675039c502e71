package systemprobe

import (
	"os"
	"runtime"
	"time"
)

// Probe is the daemon's single entry point for machine-local signals: AC
// power, battery level, CPU load, and desktop notifications. Machine
// identity is resolved by this package's MachineID and IdentitySlug
// functions, not by Probe. It wraps a Strategy so callers never branch on
// OS themselves.
type Probe struct {
	strategy Strategy
}

// New creates a Probe using the Strategy for the running OS.
func New() *Probe {
	return &Probe{strategy: NewStrategy()}
}

// NewWithStrategy allows tests to inject a fake Strategy.
func NewWithStrategy(s Strategy) *Probe {
	return &Probe{strategy: s}
}

// BatteryPercent returns the current battery charge, 0-100.
func (p *Probe) BatteryPercent() int {
	percent, _ := p.strategy.Battery()
	return percent
}

// OnACPower reports whether the machine is currently plugged in.
func (p *Probe) OnACPower() bool {
	_, plugged := p.strategy.Battery()
	return plugged
}

// Notify sends a best-effort desktop notification.
func (p *Probe) Notify(title, message string) {
	p.strategy.Notify(title, message)
}

// IsUnderLoad reports whether the 1-minute load average exceeds 2.5x the
// available CPU count. Platforms without load-average support (anything
// other than Linux/Darwin via the Strategy's LoadAverage) report false
// rather than block a snapshot on an unanswerable question.
func (p *Probe) IsUnderLoad() bool {
	load1, ok := p.strategy.LoadAverage()
	if !ok {
		return false
	}
	cpuCount := runtime.NumCPU()
	if cpuCount < 1 {
		cpuCount = 1
	}
	return load1 > float64(cpuCount)*2.5
}

// EcoModeEngaged reports whether the daemon should throttle its cadences:
// true when running on battery below ecoModePercent (daemon.eco_mode_percent
// in the config cascade), or when the system is under heavy CPU load.
// Battery exactly at the threshold does not engage eco mode.
func (p *Probe) EcoModeEngaged(ecoModePercent int) bool {
	if !p.OnACPower() && p.BatteryPercent() < ecoModePercent {
		return true
	}
	return p.IsUnderLoad()
}

// Now returns the current wall-clock time in Unix seconds. Centralized
// here (rather than called as time.Now().Unix() throughout the daemon) so
// every "now" used for registry/drift bookkeeping flows through one seam
// that tests can fake by reassigning nowFunc.
func Now() int64 {
	return nowFunc()
}

var nowFunc = func() int64 {
	return time.Now().Unix()
}

// Hostname returns the machine's short hostname (no domain suffix),
// used as the default human-readable identity component.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	if idx := indexByte(name, '.'); idx >= 0 {
		return name[:idx]
	}
	return name
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
