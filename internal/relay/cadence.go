package relay

import (
	"math/rand/v2"
	"time"
	"unicode"
)

// Frame is one step of a relay job: the content typed so far and how long to
// wait before the next step.
type Frame struct {
	Content string
	Delay   time.Duration
}

// Cadence shapes the timing of synthesized typing. Text is typed in bursts
// of MinBurst..MaxBurst characters, each burst at a speed drawn from
// MinCPS..MaxCPS characters per second.
type Cadence struct {
	MinBurst, MaxBurst int
	MinCPS, MaxCPS     float64

	SpaceFactor      float64       // multiplier on the base delay after a space
	PauseBonus       time.Duration // after , ; :
	SentenceBonus    time.Duration // after . ! ?
	CapitalBonus     time.Duration // after a space that precedes a capital
	HesitationChance float64       // probability of an extra pause per character
	HesitationMin    time.Duration
	HesitationMax    time.Duration

	MinDelay, MaxDelay time.Duration
}

// DefaultCadence returns timing close to a quick human typist.
func DefaultCadence() Cadence {
	return Cadence{
		MinBurst:         6,
		MaxBurst:         18,
		MinCPS:           17,
		MaxCPS:           34,
		SpaceFactor:      0.55,
		PauseBonus:       90 * time.Millisecond,
		SentenceBonus:    200 * time.Millisecond,
		CapitalBonus:     45 * time.Millisecond,
		HesitationChance: 0.04,
		HesitationMin:    60 * time.Millisecond,
		HesitationMax:    220 * time.Millisecond,
		MinDelay:         8 * time.Millisecond,
		MaxDelay:         360 * time.Millisecond,
	}
}

// Delay computes the pause after typing ch when next follows, at a burst
// speed of cps characters per second. draw is a uniform sample in [0,1)
// deciding whether the typist hesitates. The result is clamped to
// [MinDelay, MaxDelay].
func (c Cadence) Delay(ch, next rune, cps, draw float64) time.Duration {
	if cps <= 0 {
		cps = c.MinCPS
	}
	base := time.Duration(float64(time.Second) / cps)

	d := base
	switch {
	case unicode.IsSpace(ch):
		d = time.Duration(float64(base) * c.SpaceFactor)
		if unicode.IsUpper(next) {
			d += c.CapitalBonus
		}
	case ch == ',' || ch == ';' || ch == ':':
		d += c.PauseBonus
	case ch == '.' || ch == '!' || ch == '?':
		d += c.SentenceBonus
	}

	if c.HesitationChance > 0 && draw < c.HesitationChance {
		span := c.HesitationMax - c.HesitationMin
		d += c.HesitationMin + time.Duration(float64(span)*(draw/c.HesitationChance))
	}

	return min(max(d, c.MinDelay), c.MaxDelay)
}

// Synthesize expands text into one frame per character. Frame i carries
// the first i+1 characters, so the last frame holds the full text.
func (c Cadence) Synthesize(text string, rng *rand.Rand) []Frame {
	runes := []rune(text)
	frames := make([]Frame, 0, len(runes))

	burstSpan := max(c.MaxBurst-c.MinBurst+1, 1)
	for i := 0; i < len(runes); {
		burst := max(c.MinBurst, 1) + rng.IntN(burstSpan)
		cps := c.MinCPS + rng.Float64()*(c.MaxCPS-c.MinCPS)

		for n := 0; n < burst && i < len(runes); n++ {
			var next rune
			if i+1 < len(runes) {
				next = runes[i+1]
			}
			frames = append(frames, Frame{
				Content: string(runes[:i+1]),
				Delay:   c.Delay(runes[i], next, cps, rng.Float64()),
			})
			i++
		}
	}
	return frames
}
