package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewTagsComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "server", false)
	l.Debug("hidden")
	l.Info("shown", "port", 11222)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record logged without verbose: %q", out)
	}
	if !strings.Contains(out, "component=server") || !strings.Contains(out, "port=11222") {
		t.Fatalf("missing attrs: %q", out)
	}

	buf.Reset()
	New(&buf, "viewer", true).Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("verbose logger dropped debug: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(t.Context(), 100) {
		t.Fatal("discard logger enabled")
	}
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	l := New(&bytes.Buffer{}, "x", false)
	if OrDiscard(l) != l {
		t.Fatal("OrDiscard replaced a real logger")
	}
}
