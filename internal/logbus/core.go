package logbus

import (
	"go.uber.org/zap/zapcore"
)

type core struct {
	zapcore.LevelEnabler
	bus    *Bus
	fields []zapcore.Field
}

// Core returns a zapcore.Core that publishes entries at or above enab to
// the bus. Tee it next to the output core with zapcore.NewTee.
func (b *Bus) Core(enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, bus: b}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &core{LevelEnabler: c.LevelEnabler, bus: c.bus, fields: merged}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ev := Event{
		Time:    ent.Time,
		Level:   ent.Level.CapitalString(),
		Message: ent.Message,
	}
	if len(c.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		ev.Fields = enc.Fields
	}
	c.bus.Publish(ev)
	return nil
}

func (c *core) Sync() error { return nil }
