package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreDir(t *testing.T) {
	a := StoreDir("/var/store", "/src/project")
	b := StoreDir("/var/store", "/src/project")
	if a != b {
		t.Errorf("StoreDir not deterministic: %s != %s", a, b)
	}

	c := StoreDir("/var/store", "/src/other")
	if a == c {
		t.Errorf("different roots share a store dir: %s", a)
	}

	if got := filepath.Dir(a); got != "/var/store" {
		t.Errorf("parent = %s, want /var/store", got)
	}
	if n := len(filepath.Base(a)); n != storeHashLen {
		t.Errorf("hash length = %d, want %d", n, storeHashLen)
	}

	if d := StoreDir("", "/src/project"); !strings.HasPrefix(d, DefaultStorageRoot()) {
		t.Errorf("StoreDir with empty root = %s, want under %s", d, DefaultStorageRoot())
	}
}

func TestValidateProjectRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ValidateProjectRoot(dir); err != nil {
		t.Errorf("ValidateProjectRoot(dir) error = %v", err)
	}
	if _, err := ValidateProjectRoot(file); err == nil {
		t.Error("ValidateProjectRoot(file) should fail")
	}
	if _, err := ValidateProjectRoot(filepath.Join(dir, "missing")); err == nil {
		t.Error("ValidateProjectRoot(missing) should fail")
	}
	if _, err := ValidateProjectRoot("  "); err == nil {
		t.Error("ValidateProjectRoot(blank) should fail")
	}
}

func TestToRelative(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "a"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "util.py"), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"absolute", filepath.Join(root, "a", "util.py"), "a/util.py", false},
		{"relative", "a/util.py", "a/util.py", false},
		{"deleted file", filepath.Join(root, "a", "gone.py"), "a/gone.py", false},
		{"escapes root", "../outside.py", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToRelative(tt.in, root)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToRelative(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ToRelative(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		`a\b\c.go`:  "a/b/c.go",
		"./x/y.py":  "x/y.py",
		"plain.txt": "plain.txt",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinRoot(t *testing.T) {
	got := JoinRoot("/root", "a/b/c.go")
	want := filepath.Join("/root", "a", "b", "c.go")
	if got != want {
		t.Errorf("JoinRoot() = %q, want %q", got, want)
	}
}
