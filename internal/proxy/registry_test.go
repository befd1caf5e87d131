package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

func TestConnRegistryCloseAll(t *testing.T) {
	r := newConnRegistry()

	var peers []net.Conn
	for range 3 {
		a, b := net.Pipe()
		defer b.Close()
		peers = append(peers, b)
		if !r.add(a) {
			t.Fatal("add refused before closeAll")
		}
	}

	a, b := net.Pipe()
	defer b.Close()
	r.add(a)
	r.remove(a)
	defer a.Close()

	if got := r.len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	if n := r.closeAll(); n != 3 {
		t.Fatalf("closeAll closed %d, want 3", n)
	}
	for _, p := range peers {
		if _, err := p.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Errorf("peer read err = %v, want EOF", err)
		}
	}

	c, d := net.Pipe()
	defer c.Close()
	defer d.Close()
	if r.add(c) {
		t.Fatal("add accepted after closeAll")
	}
	if r.len() != 0 {
		t.Fatalf("len = %d after closeAll", r.len())
	}
}

func TestConnRegistryConcurrent(t *testing.T) {
	r := newConnRegistry()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			a, b := net.Pipe()
			defer b.Close()
			if r.add(a) {
				r.remove(a)
			}
			_ = a.Close()
		})
	}
	wg.Go(func() { r.closeAll() })
	wg.Wait()

	if r.len() != 0 {
		t.Fatalf("len = %d", r.len())
	}
}
