package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrEmptyFragment = errors.New("empty audio fragment")
)

// AssemblerParams fixes the per-request framing behavior. SamplesPerToken is
// the engine-supplied token-to-sample ratio; it is never hard-coded here.
type AssemblerParams struct {
	SampleRate      int
	SamplesPerToken int
	ContextWindow   int // overlap tokens duplicated at the head of non-initial fragments
	FadeDurationMS  int // amplitude ramp length at each fragment boundary
}

// Assembler turns raw per-fragment samples into wire-ready PCM16LE bytes:
// it trims the duplicated overlap region and smooths fragment boundaries
// with a linear fade-in ramp. One Assembler serves exactly one request.
type Assembler struct {
	params      AssemblerParams
	trimSamples int
	fadeSamples int
}

func NewAssembler(params AssemblerParams) *Assembler {
	return &Assembler{
		params:      params,
		trimSamples: params.ContextWindow * params.SamplesPerToken,
		fadeSamples: params.FadeDurationMS * params.SampleRate / 1000,
	}
}

// Assemble produces the bytes for one fragment. The first fragment of a
// request passes through untouched; every later fragment loses its
// duplicated lead-in and gets a 0-to-1 amplitude ramp across the configured
// fade window. Malformed fragments are errors, never silently dropped.
func (a *Assembler) Assemble(samples []int16, first bool) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyFragment
	}

	out := samples
	if !first {
		if a.trimSamples > 0 {
			if len(samples) <= a.trimSamples {
				return nil, fmt.Errorf("fragment of %d samples shorter than %d-sample overlap", len(samples), a.trimSamples)
			}
			out = samples[a.trimSamples:]
		}
		out = a.fadeIn(out)
	}

	buf := make([]byte, len(out)*2)
	for i, s := range out {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf, nil
}

// fadeIn scales sample amplitude linearly from 0.0 to 1.0 across the fade
// window. Sample 0 is exactly silent; the last ramp sample is full amplitude.
func (a *Assembler) fadeIn(samples []int16) []int16 {
	n := a.fadeSamples
	if n <= 1 || len(samples) < n {
		return samples
	}
	faded := make([]int16, len(samples))
	copy(faded, samples)
	for i := 0; i < n; i++ {
		gain := float64(i) / float64(n-1)
		faded[i] = int16(float64(faded[i]) * gain)
	}
	return faded
}
