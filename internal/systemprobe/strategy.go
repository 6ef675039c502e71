package systemprobe

import (
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Strategy abstracts the platform-specific mechanics of reading battery
// state and sending a desktop notification. On unsupported platforms
// NewStrategy returns defaultStrategy, which reports full battery/AC power,
// no load average, and treats notifications as no-ops.
type Strategy interface {
	// Battery returns the battery percentage (0-100) and whether AC power
	// is connected. Platforms with no battery report (100, true).
	Battery() (percent int, plugged bool)

	// Notify sends a desktop notification; best-effort, errors are
	// swallowed since a missing notifier must never block a snapshot.
	Notify(title, message string)

	// LoadAverage returns the 1-minute load average and whether it could
	// be determined on this platform. Platforms with no known reader
	// report (0, false), which IsUnderLoad treats as "never under load"
	// rather than blocking a snapshot on an unanswerable question.
	LoadAverage() (load1 float64, ok bool)
}

// defaultStrategy is used on platforms with no specific implementation.
type defaultStrategy struct{}

func (defaultStrategy) Battery() (int, bool)         { return 100, true }
func (defaultStrategy) Notify(_, _ string)           {}
func (defaultStrategy) LoadAverage() (float64, bool) { return 0, false }

// macStrategy reads battery state via pmset and notifies via osascript.
type macStrategy struct{}

var macBatteryPercentRe = regexp.MustCompile(`(\d+)%`)

func (macStrategy) Battery() (int, bool) {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return 100, true
	}
	text := string(out)
	plugged := strings.Contains(text, "AC Power")
	percent := 100
	if m := macBatteryPercentRe.FindStringSubmatch(text); m != nil {
		if v, convErr := strconv.Atoi(m[1]); convErr == nil {
			percent = v
		}
	}
	return percent, plugged
}

func (macStrategy) Notify(title, message string) {
	clean := strings.ReplaceAll(message, `"`, "'")
	script := `display notification "` + clean + `" with title "` + title + `"`
	cmd := exec.Command("osascript", "-e", script)
	cmd.Stderr = nil
	_ = cmd.Run()
}

func (macStrategy) LoadAverage() (float64, bool) {
	return loadAvgFromSysctl()
}

// linuxStrategy reads battery state from sysfs and notifies via
// notify-send.
type linuxStrategy struct{}

func (linuxStrategy) Battery() (int, bool) {
	for _, name := range []string{"BAT0", "BAT1"} {
		base := "/sys/class/power_supply/" + name
		capacity, err := os.ReadFile(base + "/capacity")
		if err != nil {
			continue
		}
		percent, convErr := strconv.Atoi(strings.TrimSpace(string(capacity)))
		if convErr != nil {
			continue
		}
		status, err := os.ReadFile(base + "/status")
		plugged := true
		if err == nil {
			plugged = strings.TrimSpace(string(status)) != "Discharging"
		}
		return percent, plugged
	}
	return 100, true
}

func (linuxStrategy) Notify(title, message string) {
	cmd := exec.Command("notify-send", title, message)
	cmd.Stderr = nil
	_ = cmd.Run()
}

func (linuxStrategy) LoadAverage() (float64, bool) {
	return loadAvgFromProc()
}

// NewStrategy returns the Strategy appropriate for the running OS.
func NewStrategy() Strategy {
	switch runtime.GOOS {
	case "darwin":
		return macStrategy{}
	case "linux":
		return linuxStrategy{}
	default:
		return defaultStrategy{}
	}
}
