package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testWorkspaceID = "33333333-3333-4333-8333-333333333333"

func TestParseWorkspaceContextForms(t *testing.T) {
	wc, err := ParseWorkspaceContext([]byte(testWorkspaceID + "\n"))
	if err != nil {
		t.Fatalf("raw uuid: %v", err)
	}
	if wc.WorkspaceID != testWorkspaceID {
		t.Fatalf("raw uuid parsed as %+v", wc)
	}

	wc, err = ParseWorkspaceContext([]byte(`{"workspace_id":"` + testWorkspaceID + `","title":"thesis"}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if wc.WorkspaceID != testWorkspaceID || wc.Title != "thesis" {
		t.Fatalf("json parsed as %+v", wc)
	}

	for _, bad := range []string{"", "not-a-uuid", `{"workspace_id":"nope"}`, `{"workspace_id":""}`} {
		if got, err := ParseWorkspaceContext([]byte(bad)); err == nil {
			t.Errorf("ParseWorkspaceContext(%q) = %+v, want error", bad, got)
		}
	}
}

func TestWorkspaceContextRoundTrip(t *testing.T) {
	dir := t.TempDir()
	setAt := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	want := WorkspaceContext{WorkspaceID: testWorkspaceID, Title: "thesis", SetAt: &setAt}
	if err := WriteWorkspaceContext(dir, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, path, err := FindWorkspaceContext(dir)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if path != filepath.Join(dir, ContextFile) {
		t.Fatalf("found at %q", path)
	}
	if got.WorkspaceID != want.WorkspaceID || got.Title != want.Title || !got.SetAt.Equal(setAt) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestWriteWorkspaceContextStampsSetAt(t *testing.T) {
	dir := t.TempDir()
	if err := WriteWorkspaceContext(dir, WorkspaceContext{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _, err := FindWorkspaceContext(dir)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.SetAt == nil || time.Since(*got.SetAt) > time.Minute {
		t.Fatalf("set_at not stamped: %+v", got)
	}
}

func TestWriteWorkspaceContextValidatesID(t *testing.T) {
	if err := WriteWorkspaceContext(t.TempDir(), WorkspaceContext{WorkspaceID: "nope"}); err == nil {
		t.Fatal("bad workspace id written without error")
	}
}

func TestFindWorkspaceContextAscends(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := WriteWorkspaceContext(root, WorkspaceContext{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, path, err := FindWorkspaceContext(nested)
	if err != nil {
		t.Fatalf("find from nested dir: %v", err)
	}
	if got.WorkspaceID != testWorkspaceID || path != filepath.Join(root, ContextFile) {
		t.Fatalf("found %+v at %q", got, path)
	}
}

func TestFindWorkspaceContextMissing(t *testing.T) {
	_, _, err := FindWorkspaceContext(t.TempDir())
	if !errors.Is(err, ErrNoWorkspace) {
		t.Fatalf("err = %v, want ErrNoWorkspace", err)
	}
}

func TestFindWorkspaceContextSurfacesParseErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ContextFile), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := FindWorkspaceContext(dir); err == nil || errors.Is(err, ErrNoWorkspace) {
		t.Fatalf("broken context file: err = %v, want parse error", err)
	}
}
