package uploads

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "uploads"), maxBytes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSave(t *testing.T) {
	t.Parallel()
	s := newStore(t, 0)

	path, err := s.Save("video.mp4", strings.NewReader("fake-video-bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != filepath.Join(s.Dir(), "video.mp4") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "fake-video-bytes" {
		t.Errorf("content = %q, err %v", data, err)
	}

	// Same name replaces the file.
	if _, err := s.Save("video.mp4", strings.NewReader("v2")); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "v2" {
		t.Errorf("content after replace = %q", data)
	}
}

func TestSave_StripsDirectories(t *testing.T) {
	t.Parallel()
	s := newStore(t, 0)
	for _, name := range []string{"../../etc/passwd", `..\..\evil.mp4`, "/abs/clip.wav"} {
		path, err := s.Save(name, strings.NewReader("x"))
		if err != nil {
			t.Errorf("Save(%q): %v", name, err)
			continue
		}
		if filepath.Dir(path) != s.Dir() {
			t.Errorf("Save(%q) wrote outside the directory: %q", name, path)
		}
	}
}

func TestSave_BadNames(t *testing.T) {
	t.Parallel()
	s := newStore(t, 0)
	for _, name := range []string{"", ".", "..", "/", ".hidden"} {
		if _, err := s.Save(name, strings.NewReader("x")); !errors.Is(err, ErrBadName) {
			t.Errorf("Save(%q) = %v, want ErrBadName", name, err)
		}
	}
}

func TestSave_TooLarge(t *testing.T) {
	t.Parallel()
	s := newStore(t, 4)

	if _, err := s.Save("ok.wav", strings.NewReader("1234")); err != nil {
		t.Fatalf("Save at limit: %v", err)
	}
	if _, err := s.Save("big.wav", strings.NewReader("12345")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Save over limit = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if e.Name() != "ok.wav" {
			t.Errorf("leftover file %q", e.Name())
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	s := newStore(t, 0)
	saved, err := s.Save("clip.mp3", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Mkdir(filepath.Join(s.Dir(), "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(filepath.Dir(s.Dir()), "secret.txt")
	if err := os.WriteFile(outside, []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(s.Dir(), "link.mp3")); err != nil {
		t.Fatal(err)
	}
	dotted := filepath.Join(s.Dir(), "..notes.mp3")
	if err := os.WriteFile(dotted, []byte("n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr error
	}{
		{name: "absolute path from Save", ref: saved, want: saved},
		{name: "bare name", ref: "clip.mp3", want: saved},
		{name: "surrounding whitespace", ref: "  clip.mp3\n", want: saved},
		{name: "name starting with dots", ref: "..notes.mp3", want: dotted},
		{name: "empty", ref: "", wantErr: ErrNotFound},
		{name: "missing", ref: "nope.mp3", wantErr: ErrNotFound},
		{name: "directory", ref: "sub", wantErr: ErrNotFound},
		{name: "the directory itself", ref: s.Dir(), wantErr: ErrOutsideDir},
		{name: "dot-dot escape", ref: "../secret.txt", wantErr: ErrOutsideDir},
		{name: "absolute outside", ref: outside, wantErr: ErrOutsideDir},
		{name: "system file", ref: "/etc/passwd", wantErr: ErrOutsideDir},
		{name: "symlink escape", ref: "link.mp3", wantErr: ErrOutsideDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%q) = %q, %v; want %v", tt.ref, got, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}
