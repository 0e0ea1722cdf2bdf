package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DP_ADB", "DP_SERIAL", "DP_BRIDGE_PACKAGE", "DP_TRACE_PROCESSOR", "DP_STATUS_ADDR", "DP_CONFIG"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BridgePackage != "com.devicepulse.monitor" {
		t.Fatalf("package = %q", cfg.BridgePackage)
	}
	if cfg.ADBPath != "" || cfg.Serial != "" || cfg.StatusAddr != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFlags(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"-serial", "ABC123", "-package", "com.custom.bridge", "-status", ":8090"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial != "ABC123" || cfg.BridgePackage != "com.custom.bridge" || cfg.StatusAddr != ":8090" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFileThenFlagThenEnvPrecedence(t *testing.T) {
	clearEnv(t)

	file := filepath.Join(t.TempDir(), "dp.yaml")
	yaml := "serial: FILE_SERIAL\nbridge_package: com.file.bridge\nadb: /file/adb\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DP_SERIAL", "ENV_SERIAL")

	cfg, err := Load([]string{"-config", file, "-serial", "FLAG_SERIAL"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial != "ENV_SERIAL" {
		t.Fatalf("env must win, serial = %q", cfg.Serial)
	}
	if cfg.BridgePackage != "com.file.bridge" {
		t.Fatalf("file value lost, package = %q", cfg.BridgePackage)
	}
	if cfg.ADBPath != "/file/adb" {
		t.Fatalf("file adb lost: %q", cfg.ADBPath)
	}
}

func TestLoadEnvConfigFile(t *testing.T) {
	clearEnv(t)

	file := filepath.Join(t.TempDir(), "dp.yaml")
	if err := os.WriteFile(file, []byte("status_addr: :9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DP_CONFIG", file)

	cfg, err := Load(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StatusAddr != ":9999" {
		t.Fatalf("status = %q", cfg.StatusAddr)
	}
}

func TestLoadRejectsEmptyBridgePackage(t *testing.T) {
	clearEnv(t)

	file := filepath.Join(t.TempDir(), "dp.yaml")
	if err := os.WriteFile(file, []byte("bridge_package: \" \"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load([]string{"-config", file}, nil); err == nil {
		t.Fatal("blank bridge package must be rejected")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	clearEnv(t)
	if _, err := Load([]string{"-config", "/does/not/exist.yaml"}, nil); err == nil {
		t.Fatal("missing config file must error")
	}
}

func TestDevicePaths(t *testing.T) {
	cfg := Config{BridgePackage: "com.x"}
	if got := cfg.ExternalConfigPath(); got != "/sdcard/Android/data/com.x/files/dp_bridge_config.json" {
		t.Fatalf("external config path: %q", got)
	}
	if got := cfg.ExternalMetricsPath(); got != "/sdcard/Android/data/com.x/files/dp_bridge_metrics.json" {
		t.Fatalf("external metrics path: %q", got)
	}
	if got := cfg.SandboxConfigPath(); got != "files/dp_bridge_config.json" {
		t.Fatalf("sandbox config path: %q", got)
	}
}
