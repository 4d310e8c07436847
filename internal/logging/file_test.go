package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfork.log")
	os.WriteFile(path, []byte("old\n"), 0644)

	f, err := OpenFile(FileConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("new\n"))
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "old\nnew\n" {
		t.Fatalf("file = %q", data)
	}
}

func TestFileRotatesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfork.log")
	f, err := OpenFile(FileConfig{Path: path, MaxBytes: "10B", Backups: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	f.Write([]byte("0123456789ab"))
	f.Write([]byte("x"))

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatal(err)
	}
	if string(backup) != "0123456789ab" {
		t.Errorf("backup = %q", backup)
	}
	cur, _ := os.ReadFile(path)
	if string(cur) != "x" {
		t.Errorf("current = %q, want %q", cur, "x")
	}
}

func TestFileRotatesOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowfork.log")
	os.WriteFile(path, make([]byte, 64), 0644)

	f, err := OpenFile(FileConfig{Path: path, MaxBytes: "32B", Backups: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatal("oversized file should be rotated before opening")
	}
}

func TestFileOpenError(t *testing.T) {
	_, err := OpenFile(FileConfig{Path: "/no/such/directory/cowfork.log"})
	if err == nil || !strings.Contains(err.Error(), "cannot open log file") {
		t.Fatalf("err = %v", err)
	}
}

func TestFileStdout(t *testing.T) {
	var buf bytes.Buffer
	f, err := OpenFile(FileConfig{Stdout: &buf})
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("stdout = %q", buf.String())
	}
	if err := f.Reopen(); err != nil {
		t.Errorf("Reopen without a file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close without a file: %v", err)
	}
}

func TestFileReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cowfork.log")
	f, err := OpenFile(FileConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	f.Write([]byte("before\n"))
	os.Rename(path, path+".moved")
	if err := f.Reopen(); err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("after\n"))

	data, _ := os.ReadFile(path)
	if string(data) != "after\n" {
		t.Errorf("reopened file = %q", data)
	}
}

func TestFileTail(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		n      int
		want   string
	}{
		{"empty", 8, nil, 4, ""},
		{"all", 8, []string{"abc"}, 0, "abc"},
		{"last n", 8, []string{"abcdef"}, 2, "ef"},
		{"more than held", 8, []string{"abc"}, 100, "abc"},
		{"wraps", 8, []string{"abcdef", "ghij"}, 0, "cdefghij"},
		{"exact fill", 4, []string{"ab", "cd"}, 0, "abcd"},
		{"oversized write", 4, []string{"abcdefgh"}, 0, "efgh"},
		{"wrapped last n", 4, []string{"abc", "de"}, 3, "cde"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := OpenFile(FileConfig{Tail: tc.size, Stdout: &bytes.Buffer{}})
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tc.writes {
				f.Write([]byte(w))
			}
			if got := string(f.Tail(tc.n)); got != tc.want {
				t.Errorf("Tail(%d) = %q, want %q", tc.n, got, tc.want)
			}
		})
	}
}

func TestLoggerToFileTail(t *testing.T) {
	f, err := OpenFile(FileConfig{Stdout: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	logger := New(LogConfig{Format: "text", Output: f})
	logger.Info("forked", "child", "env 2")
	if !strings.Contains(string(f.Tail(0)), "msg=forked") {
		t.Errorf("tail = %q", f.Tail(0))
	}
}
