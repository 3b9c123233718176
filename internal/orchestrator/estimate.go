package orchestrator

import (
	"time"

	"github.com/MrWong99/echoscribe/internal/config"
)

// defaultJobMultiplier is the wall-clock budget per unit of audio duration
// used when the timeout mode is "multiplier".
const defaultJobMultiplier = 2.0

// minJobTimeout keeps very short recordings from getting an unworkably tight
// whole-job deadline.
const minJobTimeout = 5 * time.Minute

// EstimateMemoryGB predicts a job's peak memory from its audio duration using
// the configured piecewise-linear model. Long recordings carry both a steeper
// coefficient and a larger base because whisper holds more state for them.
func EstimateMemoryGB(cfg config.EstimateConfig, audio time.Duration) float64 {
	hours := audio.Hours()
	if audio.Minutes() > cfg.LongThresholdMinutes {
		return hours*cfg.LongCoefficient + cfg.LongBaseGB
	}
	return hours*cfg.ShortCoefficient + cfg.ShortBaseGB
}

// jobDeadline derives the whole-job timeout from the audio duration. Zero
// means no deadline.
func jobDeadline(cfg config.TimeoutConfig, audio time.Duration) time.Duration {
	var mult float64
	switch cfg.Mode {
	case config.TimeoutNone:
		return 0
	case config.TimeoutCustom:
		mult = cfg.CustomMultiplier
	default:
		mult = defaultJobMultiplier
	}
	d := time.Duration(float64(audio) * mult)
	if d < minJobTimeout {
		d = minJobTimeout
	}
	return d
}
