package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that are
// safe to hot-reload are tracked; everything else requires a restart.
type ConfigDiff struct {
	// Paths lists the dotted YAML paths of every tracked change, for logs.
	Paths []string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any endpointer tunable changed. New sessions
	// and the next utterance of existing sessions pick the values up.
	VADChanged bool

	// VocabularyChanged is true when the recognition-hint word list changed.
	VocabularyChanged bool

	// ConfidenceChanged is true when the clarification threshold changed.
	ConfidenceChanged bool

	// VoiceChanged is true when the default synthesis voice changed; it
	// takes effect on the next turn.
	VoiceChanged bool
}

// Empty reports whether the diff contains no tracked change.
func (d ConfigDiff) Empty() bool { return len(d.Paths) == 0 }

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
		d.Paths = append(d.Paths, "server.log_level")
	}

	d.Paths = append(d.Paths, vadPaths(old.VAD, new.VAD)...)
	d.VADChanged = old.VAD != new.VAD

	if !slices.Equal(old.Vocabulary, new.Vocabulary) {
		d.VocabularyChanged = true
		d.Paths = append(d.Paths, "vocabulary")
	}

	if old.Session.ConfidenceThreshold != new.Session.ConfidenceThreshold {
		d.ConfidenceChanged = true
		d.Paths = append(d.Paths, "session.confidence_threshold")
	}

	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
		d.Paths = append(d.Paths, "session.voice")
	}

	return d
}

func vadPaths(old, new VADConfig) []string {
	var paths []string
	add := func(changed bool, path string) {
		if changed {
			paths = append(paths, path)
		}
	}
	add(old.SpeechThreshold != new.SpeechThreshold, "vad.speech_threshold")
	add(old.SilenceThreshold != new.SilenceThreshold, "vad.silence_threshold")
	add(old.ZCRThreshold != new.ZCRThreshold, "vad.zcr_threshold")
	add(old.AdaptFrames != new.AdaptFrames, "vad.adapt_frames")
	add(old.StartFrames != new.StartFrames, "vad.start_frames")
	add(old.SilenceDurationMs != new.SilenceDurationMs, "vad.silence_duration_ms")
	add(old.HangoverMs != new.HangoverMs, "vad.hangover_ms")
	return paths
}
