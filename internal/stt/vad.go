package stt

import (
	"encoding/binary"
	"math"
)

// VADConfig holds voice activity detection parameters.
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech
	SpeechMinMS     int     // speech needed to confirm an utterance start
	SilenceMinMS    int     // silence needed to confirm an utterance end
	SampleRate      int
}

// VADEvent indicates a speech boundary.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

// VAD performs energy-based voice activity detection on 16-bit PCM blocks
// of arbitrary length.
type VAD struct {
	cfg       VADConfig
	speaking  bool
	speechMS  float64
	silenceMS float64
}

func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

// Process analyzes one block and returns the boundary it completes, if any.
func (v *VAD) Process(pcm []byte) VADEvent {
	samples := len(pcm) / 2
	if samples == 0 || v.cfg.SampleRate <= 0 {
		return VADNone
	}
	durMS := float64(samples) * 1000 / float64(v.cfg.SampleRate)

	if rmsEnergy(pcm) >= v.cfg.EnergyThreshold {
		v.silenceMS = 0
		v.speechMS += durMS
		if !v.speaking && v.speechMS >= float64(v.cfg.SpeechMinMS) {
			v.speaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.speechMS = 0
	v.silenceMS += durMS
	if v.speaking && v.silenceMS >= float64(v.cfg.SilenceMinMS) {
		v.speaking = false
		return VADSpeechEnd
	}
	return VADNone
}

// Speaking reports whether an utterance is in progress.
func (v *VAD) Speaking() bool {
	return v.speaking
}

// Onset reports voiced audio that has not yet been confirmed as speech.
func (v *VAD) Onset() bool {
	return !v.speaking && v.speechMS > 0
}

// rmsEnergy computes the root-mean-square energy of 16-bit signed PCM audio.
func rmsEnergy(pcm []byte) float64 {
	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < numSamples; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSquares += sample * sample
	}
	return math.Sqrt(sumSquares / float64(numSamples))
}
