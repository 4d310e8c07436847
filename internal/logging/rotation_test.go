package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"50MB", 50 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"10kb", 10 * 1024},
		{"100B", 100},
		{"100", 100},
		{" 2 MB ", 2 * 1024 * 1024},
		{"0", 0},
		{"", 0},
		{"lots", 0},
		{"-5KB", 0},
	}
	for _, tt := range tests {
		if got := ParseSize(tt.input); got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestRotateFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cowfork.log")
	os.WriteFile(logPath, []byte("data"), 0644)

	if err := rotateFile(logPath, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Fatal("expected .1 backup file")
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatal("original file should be renamed")
	}
}

func TestRotateFileKeepsBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "cowfork.log")

	for _, gen := range []string{"a", "b", "c", "d"} {
		os.WriteFile(logPath, []byte(gen), 0644)
		if err := rotateFile(logPath, 3); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range []string{"d", "c", "b"} {
		got, err := os.ReadFile(filepath.Join(dir, "cowfork.log."+string(rune('1'+i))))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("backup %d = %q, want %q", i+1, got, want)
		}
	}
	if _, err := os.Stat(logPath + ".4"); !os.IsNotExist(err) {
		t.Error("oldest backup should have been dropped")
	}
}

func TestRotateFileTruncateOnZeroBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cowfork.log")
	os.WriteFile(logPath, []byte("data"), 0644)

	if err := rotateFile(logPath, 0); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty file after truncation, got %d bytes", len(data))
	}
}

func TestRotateIfNeeded(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cowfork.log")
	os.WriteFile(logPath, make([]byte, 100), 0644)

	if err := RotateIfNeeded(logPath, RotationConfig{Maxbytes: "200B", Backups: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); !os.IsNotExist(err) {
		t.Fatal("should not rotate under maxbytes")
	}

	if err := RotateIfNeeded(logPath, RotationConfig{Maxbytes: "50B", Backups: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Fatal("expected rotation to create .1 backup")
	}
}

func TestRotateIfNeededMissingFile(t *testing.T) {
	if err := RotateIfNeeded(filepath.Join(t.TempDir(), "absent.log"), RotationConfig{Maxbytes: "1B"}); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}
