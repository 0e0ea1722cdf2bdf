// Package fps estimates the frame rate of a target process from a ranked
// chain of trace-based strategies, degrading automatically when a strategy
// stops producing data.
package fps

import (
	"regexp"
	"strings"
)

const maxLayerCandidates = 8

var (
	surfaceViewPrefixRE = regexp.MustCompile(`^(SurfaceView\[[^\]]+\])`)
	surfaceViewInnerRE  = regexp.MustCompile(`SurfaceView\[([^\]]+)\]`)
)

// LayerCandidates derives compositor layer names worth matching against a
// frame timeline, from most to least specific: the raw layer string, its
// SurfaceView bracket prefix, the inner window-area token plus two derived
// suffix variants, and finally the target package itself.
func LayerCandidates(layer, targetPkg string) []string {
	var cands []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, c := range cands {
			if c == s {
				return
			}
		}
		cands = append(cands, s)
	}

	base := strings.TrimSpace(layer)
	add(base)

	if m := surfaceViewPrefixRE.FindStringSubmatch(base); m != nil {
		add(m[1])
	}
	if m := surfaceViewInnerRE.FindStringSubmatch(base); m != nil {
		wa := strings.TrimSpace(m[1])
		add(wa)
		add("SurfaceView - " + wa + "#0")
		add("SurfaceView - " + wa)
	}

	add(targetPkg)

	if len(cands) > maxLayerCandidates {
		cands = cands[:maxLayerCandidates]
	}
	return cands
}
