// Package transcoding turns video transcoding requests into runner jobs and folds runner job
// results back into the local job queue.
package transcoding

import (
	"slices"

	"github.com/samber/lo"
)

// Resolution 0 is the audio-only rendition
const audioOnlyResolution = 0

// Frame rates above this are only kept for HD renditions
const standardMaxFPS = 30

// LadderResolutions returns the configured resolutions strictly below input, highest first.
// The input resolution itself is produced by the max quality job.
func LadderResolutions(input int, enabled []int, hasAudio bool) []int {
	out := lo.Filter(lo.Uniq(enabled), func(r int, _ int) bool {
		if r == audioOnlyResolution {
			return hasAudio
		}
		return r < input
	})
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

// MaxQualityResolution is the resolution of the first job of a ladder. Sources above every
// configured resolution are downscaled to the highest one unless the original is kept.
func MaxQualityResolution(input int, enabled []int, keepOriginal bool) int {
	if keepOriginal || len(enabled) == 0 {
		return input
	}
	highest := slices.Max(enabled)
	if input > highest {
		return highest
	}
	return input
}

// OutputFPS caps the frame rate of a rendition
func OutputFPS(resolution, inputFPS, maxFPS int) int {
	fps := inputFPS
	if maxFPS > 0 && fps > maxFPS {
		fps = maxFPS
	}
	if resolution < 720 && fps > standardMaxFPS {
		fps = standardMaxFPS
	}
	if fps <= 0 {
		fps = standardMaxFPS
	}
	return fps
}
