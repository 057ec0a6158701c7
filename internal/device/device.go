package device

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// ID returns a stable identifier for this device: a hardware UUID when the
// platform exposes one, otherwise a generated id persisted at path so it
// survives restarts.
func ID(path string) (string, error) {
	if id := fingerprint(); id != "" {
		return id, nil
	}

	if data, err := readFileFn(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := writeFileFn(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

var (
	readFileFn  = os.ReadFile
	writeFileFn = os.WriteFile
	goosFn      = func() string { return runtime.GOOS }
	commandFn   = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).Output()
	}
)

func fingerprint() string {
	switch goosFn() {
	case "linux":
		return linuxUUID()
	case "darwin":
		return darwinUUID()
	default:
		return ""
	}
}

func linuxUUID() string {
	data, err := readFileFn("/sys/class/dmi/id/product_uuid")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func darwinUUID() string {
	out, err := commandFn("ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.Split(line, "\"")
		if len(parts) >= 4 {
			return parts[3]
		}
	}
	return ""
}
