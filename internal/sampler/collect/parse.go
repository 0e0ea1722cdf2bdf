// Package collect fans the per-cycle metric acquisition out across a fixed
// worker pool, each task under its own timeout, tolerating partial failure.
package collect

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/perflab/devicepulse/internal/domain"
)

// parseProcStatTicks extracts utime+stime from a /proc/<pid>/stat line. The
// comm field may contain spaces, so fields are counted after the last ')'.
func parseProcStatTicks(line string) (int64, bool) {
	r := strings.LastIndex(line, ")")
	if r <= 0 {
		return 0, false
	}
	parts := strings.Fields(line[r+1:])
	if len(parts) <= 12 {
		return 0, false
	}
	utime, err1 := strconv.ParseInt(parts[11], 10, 64)
	stime, err2 := strconv.ParseInt(parts[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

var (
	pssTotalRE    = regexp.MustCompile(`TOTAL\s+PSS:\s*(\d+)`)
	pssTotalAltRE = regexp.MustCompile(`\bTOTAL:\s*(\d+)`)
)

// parsePSSKB pulls the total PSS in kB out of dumpsys meminfo output,
// accepting both the new and old label formats.
func parsePSSKB(dump string) (int64, bool) {
	if m := pssTotalRE.FindStringSubmatch(dump); m != nil {
		kb, _ := strconv.ParseInt(m[1], 10, 64)
		return kb, true
	}
	if m := pssTotalAltRE.FindStringSubmatch(dump); m != nil {
		kb, _ := strconv.ParseInt(m[1], 10, 64)
		return kb, true
	}
	return 0, false
}

var (
	batteryLevelRE = regexp.MustCompile(`^level:\s*(\d+)`)
	batteryTempRE  = regexp.MustCompile(`^temperature:\s*(\d+)`)
	batteryVoltRE  = regexp.MustCompile(`^voltage:\s*(\d+)`)
)

// parseBattery extracts level, temperature, and voltage from dumpsys
// battery output. Temperature is reported in tenths of a degree and voltage
// in millivolts.
func parseBattery(dump string) map[string]float64 {
	result := make(map[string]float64)
	for _, raw := range strings.Split(dump, "\n") {
		line := strings.TrimSpace(raw)
		if m := batteryLevelRE.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				result[domain.KeyBatteryLevel] = v
			}
		}
		if m := batteryTempRE.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				result[domain.KeyBatteryTemp] = v / 10.0
			}
		}
		if m := batteryVoltRE.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				result[domain.KeyBatteryVoltage] = v / 1000.0
			}
		}
	}
	return result
}

var (
	memTotalRE = regexp.MustCompile(`^MemTotal:\s*(\d+)\s*kB`)
	memAvailRE = regexp.MustCompile(`^MemAvailable:\s*(\d+)\s*kB`)
)

// parseMeminfo extracts total and available memory from /proc/meminfo.
func parseMeminfo(out string) map[string]float64 {
	result := make(map[string]float64)
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if m := memTotalRE.FindStringSubmatch(line); m != nil {
			if kb, err := strconv.ParseFloat(m[1], 64); err == nil {
				result[domain.KeyMemTotal] = kb / 1024.0
			}
		}
		if m := memAvailRE.FindStringSubmatch(line); m != nil {
			if kb, err := strconv.ParseFloat(m[1], 64); err == nil {
				result[domain.KeyMemAvail] = kb / 1024.0
			}
		}
	}
	return result
}

// parseCPUTotalLine parses the aggregate first line of /proc/stat into the
// summed jiffy total and the idle component.
func parseCPUTotalLine(line string) (total, idle int64, ok bool) {
	parts := strings.Fields(line)
	if len(parts) < 8 || parts[0] != "cpu" {
		return 0, 0, false
	}
	for i := 1; i <= 7; i++ {
		v, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		if i == 4 {
			idle = v
		}
	}
	return total, idle, true
}

// parseNetDev sums rx/tx byte counters over every non-loopback interface in
// /proc/net/dev output.
func parseNetDev(out string) (rxBytes, txBytes float64, ok bool) {
	var rx, tx int64
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.Contains(line, ":") || strings.HasPrefix(line, "Inter") || strings.HasPrefix(line, "face") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 10 {
			continue
		}
		iface := strings.TrimSuffix(parts[0], ":")
		if iface == "lo" {
			continue
		}
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseInt(parts[9], 10, 64); err == nil {
			tx += v
		}
	}
	if rx == 0 && tx == 0 {
		return 0, 0, false
	}
	return float64(rx), float64(tx), true
}

// parseCPUFreqs reads per-core kHz values, one per line, from the sysfs
// scaling_cur_freq glob output.
func parseCPUFreqs(out string) []float64 {
	var freqs []float64
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil || v <= 0 {
			continue
		}
		freqs = append(freqs, float64(v))
	}
	return freqs
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
