package config

import (
	"os"
	"path/filepath"
	"testing"
)

func useTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetConfigDir(dir)
	t.Cleanup(func() { SetConfigDir("") })
	return dir
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cluster.ExpectedNodes != 1 {
		t.Errorf("expected_nodes = %d, want 1", cfg.Cluster.ExpectedNodes)
	}
	if cfg.Node.NVCpu != 1 || cfg.Node.AllocMiB != 128 {
		t.Errorf("node defaults = %+v", cfg.Node)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	useTempHome(t)

	cfg := Defaults()
	cfg.Cluster.ExpectedNodes = 3
	cfg.Node.Bootstrap = true
	cfg.Node.Iface = "eth1"
	cfg.Guest.Image = "/var/lib/spanvisor/vmlinux"
	cfg.Guest.Entrypoint = 0x40200000
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Cluster.ExpectedNodes != 3 || !got.Node.Bootstrap || got.Node.Iface != "eth1" {
		t.Errorf("round trip = %+v", got)
	}
	if got.Guest.Entrypoint != 0x40200000 {
		t.Errorf("entrypoint = %#x", got.Guest.Entrypoint)
	}
}

func TestGetSet(t *testing.T) {
	useTempHome(t)

	if err := Set("cluster.expected_nodes", "4"); err != nil {
		t.Fatal(err)
	}
	if err := Set("guest.entrypoint", "0x40200000"); err != nil {
		t.Fatal(err)
	}
	if err := Set("node.bootstrap", "true"); err != nil {
		t.Fatal(err)
	}

	if v, _ := Get("cluster.expected_nodes"); v != "4" {
		t.Errorf("expected_nodes = %q", v)
	}
	if v, _ := Get("guest.entrypoint"); v != "0x40200000" {
		t.Errorf("entrypoint = %q", v)
	}
	if v, _ := Get("node.bootstrap"); v != "true" {
		t.Errorf("bootstrap = %q", v)
	}
}

func TestSetRejectsBadValues(t *testing.T) {
	useTempHome(t)

	if err := Set("cluster.expected_nodes", "many"); err == nil {
		t.Error("accepted non-integer")
	}
	if err := Set("node.bootstrap", "yep"); err == nil {
		t.Error("accepted non-boolean")
	}
	if err := Set("nosuch.key", "1"); err == nil {
		t.Error("accepted unknown key")
	}
	if _, err := Get("nosuch.key"); err == nil {
		t.Error("get accepted unknown key")
	}
}

func TestHomePrecedence(t *testing.T) {
	SetConfigDir("")
	t.Setenv("SPANVISOR_HOME", "/tmp/sv-env")
	if Home() != "/tmp/sv-env" {
		t.Errorf("Home = %q, want env value", Home())
	}

	SetConfigDir("/tmp/sv-flag")
	t.Cleanup(func() { SetConfigDir("") })
	if Home() != "/tmp/sv-flag" {
		t.Errorf("Home = %q, want flag value", Home())
	}
}

func TestPathJoinsHome(t *testing.T) {
	dir := useTempHome(t)
	want := filepath.Join(dir, "node.toml")
	if Path() != want {
		t.Errorf("Path = %q, want %q", Path(), want)
	}
	if err := EnsureDir(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}
