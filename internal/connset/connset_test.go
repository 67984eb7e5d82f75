package connset

import (
	"net"
	"testing"
)

func TestAddGetRemove(t *testing.T) {
	s := New()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s.Add(5, c1)
	got, ok := s.Get(5)
	if !ok || got != c1 {
		t.Fatalf("Get(5) = (%v, %v), want (c1, true)", got, ok)
	}

	removed, ok := s.Remove(5)
	if !ok || removed != c1 {
		t.Fatalf("Remove(5) = (%v, %v), want (c1, true)", removed, ok)
	}
	if _, ok := s.Get(5); ok {
		t.Fatal("expected fd 5 to be gone after Remove")
	}
}

func TestSnapshotAndLen(t *testing.T) {
	s := New()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.Add(1, c1)
	s.Add(2, c2)

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	fds := s.Snapshot()
	if len(fds) != 2 {
		t.Fatalf("Snapshot() length = %d, want 2", len(fds))
	}
}
