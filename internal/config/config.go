// Package config resolves sampler settings from the environment, CLI flags,
// and an optional YAML file. Precedence: ENV > flags > file > defaults.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v6"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultBridgePackage = "com.devicepulse.monitor"

	configFileName  = "dp_bridge_config.json"
	metricsFileName = "dp_bridge_metrics.json"
)

// Config carries everything the sampler needs. The device-side file layout
// is derived from BridgePackage so a rebranded bridge app only needs one
// setting changed.
type Config struct {
	ADBPath        string `env:"DP_ADB" yaml:"adb"`
	Serial         string `env:"DP_SERIAL" yaml:"serial"`
	BridgePackage  string `env:"DP_BRIDGE_PACKAGE" yaml:"bridge_package"`
	TraceProcessor string `env:"DP_TRACE_PROCESSOR" yaml:"trace_processor"`
	StatusAddr     string `env:"DP_STATUS_ADDR" yaml:"status_addr"`
}

// ExternalDir is the public external-storage directory of the bridge app.
func (c Config) ExternalDir() string {
	return "/sdcard/Android/data/" + c.BridgePackage + "/files"
}

// ExternalConfigPath is the config file location on external storage.
func (c Config) ExternalConfigPath() string { return c.ExternalDir() + "/" + configFileName }

// ExternalMetricsPath is the metrics file location on external storage.
func (c Config) ExternalMetricsPath() string { return c.ExternalDir() + "/" + metricsFileName }

// SandboxConfigPath is the config file location relative to the app
// sandbox, for access via run-as.
func (c Config) SandboxConfigPath() string { return "files/" + configFileName }

// SandboxMetricsPath is the metrics file location relative to the app sandbox.
func (c Config) SandboxMetricsPath() string { return "files/" + metricsFileName }

// Load builds a Config from args and the environment. out receives flag
// usage text; nil discards it.
func Load(args []string, out io.Writer) (Config, error) {
	if out == nil {
		out = io.Discard
	}

	fs := flag.NewFlagSet("sampler", flag.ContinueOnError)
	fs.SetOutput(out)

	var (
		fileOpt   string
		adbOpt    string
		serialOpt string
		pkgOpt    string
		tpOpt     string
		statusOpt string
	)
	fs.StringVar(&fileOpt, "config", "", "path to a YAML config file")
	fs.StringVar(&adbOpt, "adb", "", "path to the adb binary, default: first adb on PATH")
	fs.StringVar(&serialOpt, "serial", "", "device serial, default: first attached device")
	fs.StringVar(&pkgOpt, "package", "", fmt.Sprintf("bridge app package, default: %s", defaultBridgePackage))
	fs.StringVar(&tpOpt, "trace-processor", "", "path to trace_processor, default: resolved automatically")
	fs.StringVar(&statusOpt, "status", "", "listen address for the status endpoint, empty disables it")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{BridgePackage: defaultBridgePackage}

	file := strings.TrimSpace(fileOpt)
	if file == "" {
		file = strings.TrimSpace(os.Getenv("DP_CONFIG"))
	}
	if file != "" {
		if err := applyFile(&cfg, file); err != nil {
			return Config{}, err
		}
	}

	applyIfSet(&cfg.ADBPath, adbOpt)
	applyIfSet(&cfg.Serial, serialOpt)
	applyIfSet(&cfg.BridgePackage, pkgOpt)
	applyIfSet(&cfg.TraceProcessor, tpOpt)
	applyIfSet(&cfg.StatusAddr, statusOpt)

	// env.Parse only touches fields whose variable is actually set, which
	// gives ENV the final word.
	if err := env.Parse(&cfg); err != nil {
		return Config{}, pkgerrors.Wrap(err, "parse environment")
	}

	if strings.TrimSpace(cfg.BridgePackage) == "" {
		return Config{}, pkgerrors.New("bridge package must not be empty")
	}
	return cfg, nil
}

func applyIfSet(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return pkgerrors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}
