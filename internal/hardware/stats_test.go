package hardware_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
)

func TestLiveSamplerProducesAReading(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("CPU/memory sampling reads /proc, linux-only")
	}
	s := hardware.NewLiveSampler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, 50*time.Millisecond)

	stats := s.Latest()
	if stats.MemoryGB <= 0 {
		t.Errorf("expected MemoryGB > 0, got %v", stats.MemoryGB)
	}
}
