package collect

// Rate-style metrics diff cumulative counters between cycles; the structs
// below hold the previous observation. The first sample after a reset never
// yields a rate.

type cpuState struct {
	prevTicks int64
	prevAtMs  int64
	hasPrev   bool
}

func (s *cpuState) reset() { *s = cpuState{} }

type cpuTotalState struct {
	prevTotal int64
	prevIdle  int64
	hasPrev   bool
}

func (s *cpuTotalState) reset() { *s = cpuTotalState{} }

type netState struct {
	prevRxBytes float64
	prevTxBytes float64
	prevAtMs    int64
	hasPrev     bool
}

func (s *netState) reset() { *s = netState{} }
