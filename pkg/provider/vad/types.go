package vad

import "github.com/MrWong99/satellite/pkg/types"

// VADEvent is the per-frame detection result. It aliases [types.VADEvent] so
// engines and callers share one definition.
type VADEvent = types.VADEvent

// VADEventType enumerates VAD detection states.
type VADEventType = types.VADEventType

const (
	VADSpeechStart    = types.VADSpeechStart
	VADSpeechContinue = types.VADSpeechContinue
	VADSpeechEnd      = types.VADSpeechEnd
	VADSilence        = types.VADSilence
)
