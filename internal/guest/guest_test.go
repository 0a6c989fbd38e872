package guest

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestParseCmdline(t *testing.T) {
	cmdline := "console=ttyS0 reboot=k panic=1 init=/usr/local/bin/sandbox-worker " +
		"ip=10.169.0.2::10.169.0.1:255.255.255.0::eth0:off " +
		"SANDBOX_WORKER_ID=sandbox-vm-1 SANDBOX_WORKER_ENDPOINT=http://10.169.0.1:8080 " +
		"SANDBOX_WORKER_TOKEN=abc.def SANDBOX_WORKER_ID=sandbox-vm-2 SANDBOX_FLAG\n"

	got := ParseCmdline(cmdline)
	want := map[string]string{
		"SANDBOX_WORKER_ID":       "sandbox-vm-2",
		"SANDBOX_WORKER_ENDPOINT": "http://10.169.0.1:8080",
		"SANDBOX_WORKER_TOKEN":    "abc.def",
	}
	if len(got) != len(want) {
		t.Fatalf("ParseCmdline = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestImportCmdline(t *testing.T) {
	t.Setenv("SANDBOX_WORKER_ID", "from-env")
	t.Setenv("SANDBOX_WORKER_TOKEN", "")
	os.Unsetenv("SANDBOX_WORKER_TOKEN")

	path := filepath.Join(t.TempDir(), "cmdline")
	if err := os.WriteFile(path, []byte("panic=1 SANDBOX_WORKER_ID=from-cmdline SANDBOX_WORKER_TOKEN=s3.cr3t\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	keys, err := ImportCmdline(path)
	if err != nil {
		t.Fatalf("ImportCmdline: %v", err)
	}
	if !slices.Equal(keys, []string{"SANDBOX_WORKER_TOKEN"}) {
		t.Errorf("keys = %v, want [SANDBOX_WORKER_TOKEN]", keys)
	}
	if got := os.Getenv("SANDBOX_WORKER_ID"); got != "from-env" {
		t.Errorf("SANDBOX_WORKER_ID = %q, want existing value kept", got)
	}
	if got := os.Getenv("SANDBOX_WORKER_TOKEN"); got != "s3.cr3t" {
		t.Errorf("SANDBOX_WORKER_TOKEN = %q, want s3.cr3t", got)
	}
}

func TestImportCmdlineMissingFile(t *testing.T) {
	if _, err := ImportCmdline(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ImportCmdline(missing) = nil error")
	}
}

func TestSetupInitNotPID1(t *testing.T) {
	if IsInit() {
		t.Skip("test process is PID 1")
	}
	// Must not mount anything or touch the environment.
	t.Setenv("HOME", "/home/test")
	SetupInit(nil)
	if got := os.Getenv("HOME"); got != "/home/test" {
		t.Errorf("HOME = %q, want unchanged", got)
	}
}
