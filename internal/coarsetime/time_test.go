package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow_Advances(t *testing.T) {
	start := Now()
	assert.WithinDuration(t, time.Now(), start, 2*tick)

	assert.Eventually(t, func() bool {
		return Now().After(start)
	}, time.Second, 10*time.Millisecond)
}

func TestSince(t *testing.T) {
	past := time.Now().Add(-time.Second)
	assert.InDelta(t, float64(time.Second), float64(Since(past)), float64(2*tick))
}

func BenchmarkTimeNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}
