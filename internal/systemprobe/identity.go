package systemprobe

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// IdentityPaths locates the two small files that make up a machine's
// identity: a cached stable id, and an optional human-readable name.
type IdentityPaths struct {
	IDFile   string // ${XDG_STATE_HOME}/git-pulsar/machine_id
	NameFile string // ${XDG_CONFIG_HOME}/git-pulsar/machine_name
}

// DefaultIdentityPaths builds the standard identity file locations. The
// machine id is derived, cached state, so it lives under XDG_STATE_HOME;
// the human name is user-authored, so it lives under XDG_CONFIG_HOME
// alongside the rest of git-pulsar's editable configuration.
func DefaultIdentityPaths() IdentityPaths {
	return IdentityPaths{
		IDFile:   filepath.Join(identityStateDir(), "machine_id"),
		NameFile: filepath.Join(configDir(), "machine_name"),
	}
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "git-pulsar")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "git-pulsar")
	}
	return filepath.Join(home, ".config", "git-pulsar")
}

func identityStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "git-pulsar")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "state", "git-pulsar")
	}
	return filepath.Join(home, ".local", "state", "git-pulsar")
}

// MachineID resolves a unique, persistent identifier for this machine. The
// resolution order is:
//
//  1. A user-configured override file (paths.IDFile), if present.
//  2. Linux: /etc/machine-id, then /var/lib/dbus/machine-id.
//  3. Linux: /sys/class/dmi/id/product_uuid.
//  4. macOS: IOPlatformUUID via `ioreg`.
//  5. macOS: `scutil --get LocalHostName`.
//  6. $HOSTNAME plus a hash of the current username, as a last resort (not
//     a true stable id, but distinguishes two accounts sharing a hostname).
func MachineID(paths IdentityPaths) string {
	if data, err := os.ReadFile(paths.IDFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
		if data, err := os.ReadFile("/sys/class/dmi/id/product_uuid"); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}

	if runtime.GOOS == "darwin" {
		if id := ioPlatformUUID(); id != "" {
			return id
		}
		if id := scutilLocalHostname(); id != "" {
			return id
		}
	}

	return Hostname() + "-" + usernameHash()
}

// usernameHash returns a short, stable hash of the current OS user's name.
// Used only by MachineID's last-resort fallback, to keep two accounts on
// an identically named host from colliding.
func usernameHash() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%x", h.Sum32())
}

var ioregUUIDRe = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`)

func ioPlatformUUID() string {
	out, err := exec.Command("ioreg", "-c", "IOPlatformExpertDevice", "-d", "2", "-r").Output()
	if err != nil {
		return ""
	}
	m := ioregUUIDRe.FindStringSubmatch(string(out))
	if m == nil {
		return ""
	}
	return m[1]
}

func scutilLocalHostname() string {
	out, err := exec.Command("scutil", "--get", "LocalHostName").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// PersistMachineID caches id to paths.IDFile so future resolutions skip the
// OS probes entirely, mirroring the original implementation's "configure
// once" behavior.
func PersistMachineID(paths IdentityPaths, id string) error {
	if err := os.MkdirAll(filepath.Dir(paths.IDFile), 0o755); err != nil {
		return errors.Wrap(err, "creating identity directory")
	}
	return os.WriteFile(paths.IDFile, []byte(id), 0o644)
}

// HumanName returns the configured machine name, falling back to the
// hostname if paths.NameFile has not been set up yet.
func HumanName(paths IdentityPaths) string {
	if data, err := os.ReadFile(paths.NameFile); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	return Hostname()
}

// PersistHumanName writes the chosen human-readable name to disk.
func PersistHumanName(paths IdentityPaths, name string) error {
	if err := os.MkdirAll(filepath.Dir(paths.NameFile), 0o755); err != nil {
		return errors.Wrap(err, "creating identity directory")
	}
	return os.WriteFile(paths.NameFile, []byte(name), 0o644)
}

// IdentitySlug builds the composite ref-namespace segment for this
// machine: "{human_name}--{short_id}", e.g. "macbook-air--9a7b2c4e". The
// short id is the first 8 characters of the full machine id, which is
// sufficient for practical uniqueness while keeping ref paths short.
func IdentitySlug(paths IdentityPaths) string {
	id := MachineID(paths)
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return HumanName(paths) + "--" + short
}
