package pathpolicy

import (
	"os"
	"path/filepath"
	"testing"
)

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "workspace", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "workspace", "sub", "file.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestResolveWithinWorkspace(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	r, err := p.Resolve("/workspace/sub/file.txt", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.GuestPath != "/workspace/sub/file.txt" {
		t.Fatalf("got %q", r.GuestPath)
	}
}

func TestResolveEmptyDefaultsToWorkspace(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	r, err := p.Resolve("", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.GuestPath != "/workspace" {
		t.Fatalf("got %q", r.GuestPath)
	}
}

func TestResolveRejectsOutsideWorkspace(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	if _, err := p.Resolve("/home/user/app/main.ts", false); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestResolveRejectsDotDot(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	if _, err := p.Resolve("/workspace/../etc/passwd", false); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	outside := t.TempDir()
	link := filepath.Join(root, "workspace", "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Resolve("/workspace/escape", true); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestResolveTrailingSlashIrrelevant(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	r1, err := p.Resolve("/workspace/sub", true)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := p.Resolve("/workspace/sub/", true)
	if err != nil {
		t.Fatal(err)
	}
	if r1.GuestPath != r2.GuestPath {
		t.Fatalf("%q != %q", r1.GuestPath, r2.GuestPath)
	}
}

func TestResolveNotFoundWhenRequired(t *testing.T) {
	root := setupRoot(t)
	p := New(root)

	if _, err := p.Resolve("/workspace/does-not-exist/child.txt", true); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateShapeDefaultsEmptyToWorkspace(t *testing.T) {
	got, err := ValidateShape("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Workspace {
		t.Fatalf("got %q", got)
	}
}

func TestValidateShapeAcceptsNestedWorkspacePath(t *testing.T) {
	got, err := ValidateShape("/workspace/app/main.ts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/workspace/app/main.ts" {
		t.Fatalf("got %q", got)
	}
}

func TestValidateShapeRejectsHomeDir(t *testing.T) {
	if _, err := ValidateShape("/home/user/app/main.ts"); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestValidateShapeRejectsEscapeViaDotDot(t *testing.T) {
	if _, err := ValidateShape("/workspace/../etc/passwd"); err != ErrInvalidPath {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}
