package httputil

import (
	"context"
	"testing"
	"time"
)

func TestProviderClientConfig(t *testing.T) {
	if got := ProviderClientConfig(0).ResponseTimeout; got != 15*time.Second {
		t.Errorf("default timeout = %v, want 15s", got)
	}
	if got := ProviderClientConfig(3 * time.Second).ResponseTimeout; got != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", got)
	}

	c := NewClient(WebhookClientConfig(2 * time.Second))
	if c.Timeout != 2*time.Second {
		t.Errorf("client timeout = %v", c.Timeout)
	}
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > time.Minute {
		t.Fatalf("deadline = %v, %v", deadline, ok)
	}

	short, cancelShort := context.WithTimeout(context.Background(), time.Second)
	defer cancelShort()
	ctx2, cancel2 := WithTimeout(short, time.Hour)
	defer cancel2()
	d2, _ := ctx2.Deadline()
	if time.Until(d2) > time.Second {
		t.Errorf("shorter parent deadline should win, got %v", time.Until(d2))
	}
}
