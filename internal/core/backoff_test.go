package core

import (
	"testing"
	"time"

	"github.com/paperoo/spool/internal/config"
)

func TestBackoffStrategies(t *testing.T) {
	base := config.QueueConfig{RetryDelay: 10 * time.Second, MaxRetryDelay: time.Minute}

	tests := []struct {
		name     string
		strategy string
		want     []time.Duration
	}{
		{"linear", config.BackoffLinear, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second}},
		{"exponential", config.BackoffExponential, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}},
		{"constant", config.BackoffConstant, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Backoff = tt.strategy
			b := NewBackoff(cfg)
			attempts := []int{1, 2, 3, 6, 50}
			for i, n := range attempts {
				if got := b.Delay(n); got != tt.want[i] {
					t.Errorf("Delay(%d) = %s, want %s", n, got, tt.want[i])
				}
			}
		})
	}
}

func TestExponentialBackoffDoesNotOverflow(t *testing.T) {
	b := NewBackoff(config.QueueConfig{Backoff: config.BackoffExponential, RetryDelay: time.Second, MaxRetryDelay: 5 * time.Minute})
	if got := b.Delay(200); got != 5*time.Minute {
		t.Errorf("Delay(200) = %s, want cap", got)
	}
}
