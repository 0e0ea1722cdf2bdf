package ports

import (
	"context"

	"github.com/perflab/devicepulse/internal/domain"
)

// ConfigSource reads the bridge config from the device. ok=false with a nil
// error means the config is simply missing (not monitoring).
type ConfigSource interface {
	ReadConfig(ctx context.Context) (cfg domain.SampleConfig, ok bool, err error)
}

// MetricsSink publishes one serialized sample to the device. A false return
// means no path accepted the write this cycle; the next cycle retries.
type MetricsSink interface {
	WriteMetrics(ctx context.Context, payload []byte) bool
}
