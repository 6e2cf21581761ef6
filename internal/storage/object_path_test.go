package storage

import (
	"strings"
	"testing"
)

func TestBuildObjectPath(t *testing.T) {
	p := buildObjectPath("Generated", "Task 42", "PNG")
	if !strings.HasPrefix(p, "generated/") {
		t.Fatalf("category must be lowercased, got %s", p)
	}
	if !strings.HasSuffix(p, "task-42.png") {
		t.Fatalf("base name and extension must be normalised, got %s", p)
	}

	p = buildObjectPath("", "", "")
	if !strings.HasPrefix(p, "misc/") {
		t.Fatalf("empty category must fall back to misc, got %s", p)
	}
	if !strings.HasSuffix(p, ".bin") {
		t.Fatalf("empty extension must fall back to bin, got %s", p)
	}
}

func TestJoinPrefix(t *testing.T) {
	if got := joinPrefix(" /uploads/ ", "/a/b.png"); got != "uploads/a/b.png" {
		t.Fatalf("unexpected join result: %s", got)
	}
	if got := joinPrefix("", "a/b.png"); got != "a/b.png" {
		t.Fatalf("empty prefix must pass key through, got %s", got)
	}
}

func TestDetectContentType(t *testing.T) {
	if got := detectContentType("png"); got != "image/png" {
		t.Fatalf("expected image/png, got %s", got)
	}
	if got := detectContentType("definitelynotreal"); got != "application/octet-stream" {
		t.Fatalf("unknown extension must fall back, got %s", got)
	}
}
