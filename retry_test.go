package stereocapture

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
