package main

import (
	"os"
	"testing"
)

func TestIsBIOSFile(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"ivt.fw", true},
		{"ami_8088_bios_31jan89.bin", true},
		{"BIOS.BIN", true},
		{"dos.com", false},
		{"game", false},
		{"", false},
	}
	for _, c := range cases {
		if got := isBIOSFile(c.name); got != c.want {
			t.Errorf("isBIOSFile(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestResolveArgs_NoArgs(t *testing.T) {
	program, bios := resolveArgs(nil)
	if program != "" {
		t.Errorf("expected no program, got %q", program)
	}
	if bios != defaultBIOS {
		t.Errorf("expected default BIOS %q, got %q", defaultBIOS, bios)
	}
}

func TestResolveArgs_SingleBIOSArg(t *testing.T) {
	program, bios := resolveArgs([]string{"custom.bin"})
	if program != "" {
		t.Errorf("expected no program, got %q", program)
	}
	if bios != "custom.bin" {
		t.Errorf("expected bios %q, got %q", "custom.bin", bios)
	}
}

func TestResolveArgs_SingleProgramArg(t *testing.T) {
	program, bios := resolveArgs([]string{"game.com"})
	if program != "game.com" {
		t.Errorf("expected program %q, got %q", "game.com", program)
	}
	if bios != defaultBIOS {
		t.Errorf("expected default BIOS %q, got %q", defaultBIOS, bios)
	}
}

func TestResolveArgs_TwoArgs(t *testing.T) {
	program, bios := resolveArgs([]string{"game.com", "custom.bin"})
	if program != "game.com" {
		t.Errorf("expected program %q, got %q", "game.com", program)
	}
	if bios != "custom.bin" {
		t.Errorf("expected bios %q, got %q", "custom.bin", bios)
	}
}

func TestResolveBIOSPath_ExplicitNameUnchanged(t *testing.T) {
	// An explicitly named BIOS that isn't the default is never substituted,
	// even if it doesn't exist on disk: a missing explicit path is the
	// caller's error to report, not ours to paper over.
	got := resolveBIOSPath("does-not-exist.bin")
	if got != "does-not-exist.bin" {
		t.Errorf("expected unchanged path, got %q", got)
	}
}

func TestResolveBIOSPath_DefaultMissingFallsBackToIvtFW(t *testing.T) {
	dir := t.TempDir()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(oldWD)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := os.WriteFile(biosFallback, []byte{0}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := resolveBIOSPath(defaultBIOS)
	if got != biosFallback {
		t.Errorf("expected fallback %q, got %q", biosFallback, got)
	}
}

func TestResolveBIOSPath_DefaultPresentUsesIt(t *testing.T) {
	dir := t.TempDir()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(oldWD)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := os.WriteFile(defaultBIOS, []byte{0}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := resolveBIOSPath(defaultBIOS)
	if got != defaultBIOS {
		t.Errorf("expected %q, got %q", defaultBIOS, got)
	}
}
