package rodhost

import (
	"context"
	"testing"

	"github.com/go-rod/rod"
)

func TestClose_RemoteLeftRunning(t *testing.T) {
	// Never connected: any CDP call on it would panic.
	b := &Browser{
		opts: Options{Remote: "ws://127.0.0.1:9222/devtools/browser/x"},
		b:    rod.New(),
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := b.Open(context.Background(), "http://example.com"); err == nil {
		t.Fatal("open after close should fail")
	}
}
