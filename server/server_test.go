package main

import (
	"flag"
	"testing"
)

func TestRegisterWritesAreSyncedByDefault(t *testing.T) {
	f := flag.Lookup("durable")
	if f == nil || f.DefValue != "true" {
		t.Fatalf("durable flag: %+v", f)
	}
	if !*durable {
		t.Fatalf("durable should default to true")
	}
}
