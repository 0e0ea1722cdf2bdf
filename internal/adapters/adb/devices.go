package adb

import (
	"context"
	"regexp"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Device is one row of `adb devices -l` output.
type Device struct {
	Serial string
	State  string
	Detail string
}

var deviceLineRE = regexp.MustCompile(`^(\S+)\s+(.+)$`)

// ParseDevices extracts device rows from `adb devices -l` output.
func ParseDevices(out string) []Device {
	var devices []Device
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		m := deviceLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		rest := strings.Fields(m[2])
		state := "unknown"
		detail := ""
		if len(rest) > 0 {
			state = rest[0]
			detail = strings.Join(rest[1:], " ")
		}
		devices = append(devices, Device{Serial: m[1], State: state, Detail: detail})
	}
	return devices
}

// ListDevices queries adb for currently attached devices.
func ListDevices(ctx context.Context, adbPath string) ([]Device, error) {
	out, err := run(ctx, adbPath, []string{"devices", "-l"}, 3*time.Second, "")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// PickDefaultSerial returns the first attached device in the "device" state.
func PickDefaultSerial(ctx context.Context, adbPath string) (string, error) {
	devices, err := ListDevices(ctx, adbPath)
	if err != nil {
		return "", err
	}
	var seen []string
	for _, d := range devices {
		if d.State == "device" && d.Serial != "" {
			return d.Serial, nil
		}
		seen = append(seen, d.Serial+"("+d.State+")")
	}
	if len(seen) > 0 {
		return "", pkgerrors.Errorf("no device in usable state, attached: %s", strings.Join(seen, ", "))
	}
	return "", pkgerrors.New("no device attached (connect a device and authorize USB debugging)")
}
