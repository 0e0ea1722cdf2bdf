package ports

// FrameRateConfig tells the frame-rate source what to measure. A disabled
// config parks the source without tearing it down.
type FrameRateConfig struct {
	TargetPackage   string
	LayerHint       string
	LayerCandidates []string
	SamplingMs      int
	Enabled         bool
}

// FrameRateSource is a long-lived background estimator producing FPS values
// for a target process. Latest never blocks; writers replace the value
// atomically.
type FrameRateSource interface {
	Start()
	Stop()
	Configure(cfg FrameRateConfig)

	// Latest returns the most recent estimate, its production time in epoch
	// milliseconds, a short diagnostic, and whether any estimate exists yet.
	Latest() (fps float64, atMs int64, detail string, ok bool)

	// SampleCount is the number of estimates produced over the source's
	// lifetime; enable/disable transitions do not reset it.
	SampleCount() int
}
