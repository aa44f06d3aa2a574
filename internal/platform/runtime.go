package platform

import (
	"os"
	"strings"
)

// RuntimeKind is the class of host the agent runs on.
type RuntimeKind string

const (
	RuntimeMobile  RuntimeKind = "mobile"
	RuntimeDesktop RuntimeKind = "desktop"
)

// Runtime describes the host. Emulator is a best-effort guess used only to
// shorten location timeouts.
type Runtime struct {
	Kind     RuntimeKind
	Emulator bool
}

// Files probed for emulator markers. Overridden in tests.
var (
	dmiProductFile = "/sys/class/dmi/id/product_name"
	cpuInfoFile    = "/proc/cpuinfo"
	androidQemu    = "/system/bin/qemu-props"
)

var emulatorMarkers = []string{"qemu", "virtualbox", "vmware", "kvm", "goldfish", "ranchu", "android sdk built for", "emulator", "simulator"}

// DetectRuntime guesses the runtime from the environment and host files.
// SHELTERLINK_RUNTIME (mobile|desktop|emulator) overrides detection.
func DetectRuntime(kind RuntimeKind) Runtime {
	switch strings.ToLower(os.Getenv("SHELTERLINK_RUNTIME")) {
	case "emulator", "simulator":
		if kind == "" {
			kind = RuntimeMobile
		}
		return Runtime{Kind: kind, Emulator: true}
	case "mobile":
		return Runtime{Kind: RuntimeMobile}
	case "desktop":
		return Runtime{Kind: RuntimeDesktop}
	}

	if kind == "" {
		kind = RuntimeDesktop
		if _, err := os.Stat("/system/build.prop"); err == nil {
			kind = RuntimeMobile
		}
	}
	return Runtime{Kind: kind, Emulator: looksEmulated()}
}

func looksEmulated() bool {
	if _, err := os.Stat(androidQemu); err == nil {
		return true
	}
	if data, err := os.ReadFile(dmiProductFile); err == nil && hasMarker(string(data)) {
		return true
	}
	if data, err := os.ReadFile(cpuInfoFile); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "Hardware") && hasMarker(line) {
				return true
			}
		}
	}
	return false
}

func hasMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range emulatorMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
