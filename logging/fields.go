package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationMetrics describes one finished or failed generation.
type GenerationMetrics struct {
	RequestID     string
	Steps         int
	GuidanceScale float64
	Seed          int64
	Width         int
	Height        int
	Device        string
	Duration      time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Prompts never go
// through here; callers log prompt length only.
func (m GenerationMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("request_id", m.RequestID)
	enc.AddInt("steps", m.Steps)
	enc.AddFloat64("guidance_scale", m.GuidanceScale)
	enc.AddInt64("seed", m.Seed)
	if m.Width > 0 {
		enc.AddInt("width", m.Width)
		enc.AddInt("height", m.Height)
	}
	enc.AddString("device", m.Device)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	return nil
}

// LoadMetrics describes one load attempt.
type LoadMetrics struct {
	Source   string
	Family   string
	Device   string
	Repaired []string
	Success  bool
	Duration time.Duration
}

func (m LoadMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("source", m.Source)
	enc.AddString("family", m.Family)
	enc.AddString("device", m.Device)
	enc.AddBool("success", m.Success)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	if len(m.Repaired) > 0 {
		return enc.AddArray("repaired", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
			for _, c := range m.Repaired {
				arr.AppendString(c)
			}
			return nil
		}))
	}
	return nil
}

// GenerationFields wraps metrics as a single nested "generation" field.
func GenerationFields(m GenerationMetrics) zap.Field {
	return zap.Object("generation", m)
}

// LoadFields wraps metrics as a single nested "load" field.
func LoadFields(m LoadMetrics) zap.Field {
	return zap.Object("load", m)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
