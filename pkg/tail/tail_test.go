package tail

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestPoll_MissingFile(t *testing.T) {
	c := Cursor{Path: filepath.Join(t.TempDir(), "nope.log")}
	lines, got, err := Poll(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("got %d lines, want 0", len(lines))
	}
	if got != c {
		t.Errorf("cursor changed: %+v", got)
	}
}

func TestPoll_ReadsOnlyAppendedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grow.log")
	writeFile(t, path, "one\ntwo\n")

	lines, c, err := Poll(Cursor{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"one", "two"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("first poll = %v, want %v", lines, want)
	}

	appendFile(t, path, "three\n")
	lines, c, err = Poll(c)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"three"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("second poll = %v, want %v", lines, want)
	}
	if c.Offset != int64(len("one\ntwo\nthree\n")) {
		t.Errorf("offset = %d", c.Offset)
	}
}

func TestPoll_NoGrowthIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "static.log")
	writeFile(t, path, "line\n")

	_, c, err := Poll(Cursor{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	lines, c2, err := Poll(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Errorf("got %v, want no lines", lines)
	}
	if c2 != c {
		t.Errorf("cursor moved: %+v -> %+v", c, c2)
	}
}

func TestPoll_PartialLineNotConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.log")
	writeFile(t, path, "done\npart")

	lines, c, err := Poll(Cursor{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"done"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %v, want %v", lines, want)
	}
	if c.Offset != int64(len("done\n")) {
		t.Errorf("offset = %d, want %d", c.Offset, len("done\n"))
	}

	// Completing the line surfaces it on the next poll.
	appendFile(t, path, "ial\n")
	lines, _, err = Poll(c)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"partial"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %v, want %v", lines, want)
	}
}

func TestPoll_TruncationResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotate.log")
	writeFile(t, path, "old old old\n")

	_, c, err := Poll(Cursor{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "new\n")
	lines, c, err := Poll(c)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"new"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %v, want %v", lines, want)
	}
	if c.Offset != int64(len("new\n")) {
		t.Errorf("offset = %d", c.Offset)
	}
}
