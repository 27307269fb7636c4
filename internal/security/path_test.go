package security

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidateSavePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"simple filename", "image.png", nil},
		{"subdirectory", "base-1/v2.png", nil},
		{"dots inside a name", "hero..final.png", nil},
		{"parent", "../image.png", ErrPathTraversal},
		{"parent in the middle", "foo/../../etc/passwd", ErrPathTraversal},
		{"backslash parent", `foo\..\bar.png`, ErrPathTraversal},
		{"absolute", "/etc/passwd", ErrAbsolutePath},
		{"reserved CON", "CON.txt", ErrReservedName},
		{"reserved nul", "nul", ErrReservedName},
		{"reserved LPT1", "out/lpt1.doc", ErrReservedName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSavePath(tt.path)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateSavePath(%q) error = %v, want nil", tt.path, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSavePath(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSavePath_Hyphen(t *testing.T) {
	if err := ValidateSavePath("-rf.png"); err == nil {
		t.Error("ValidateSavePath(-rf.png) error = nil")
	}
}

func TestJoinWithin(t *testing.T) {
	dir := t.TempDir()

	got, err := JoinWithin(dir, "base/v1.png")
	if err != nil {
		t.Fatalf("JoinWithin() error = %v", err)
	}
	if want := filepath.Join(dir, "base", "v1.png"); got != want {
		t.Errorf("JoinWithin() = %s, want %s", got, want)
	}

	if _, err := JoinWithin(dir, "../escape.png"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("JoinWithin() error = %v, want ErrPathTraversal", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"image.png", "image.png"},
		{"Beach / sunset", "Beach - sunset"},
		{`foo\bar.png`, "foo-bar.png"},
		{"..hidden.png", "hidden.png"},
		{"--flag.png", "flag.png"},
		{"file.png...", "file.png"},
		{"file<name>:with*bad?chars.png", "filename-withbadchars.png"},
		{"CON.txt", "CON.txt_"},
		{"...", "file"},
	}

	for _, tt := range tests {
		if got := SanitizeFilename(tt.input); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
