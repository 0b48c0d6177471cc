package trace

import "go.uber.org/zap"

// ZapSink adapts a *zap.Logger to the Sink interface. Grounded on
// Voskan-arena-cache, the closest domain match in the retrieval pack
// (an arena/cache library that also logs allocation-lifecycle events
// through zap's structured API).
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger. A nil logger falls back to zap.NewNop() so
// constructing a ZapSink is always safe.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger}
}

func (z *ZapSink) Trace(event string, fields ...Field) {
	zf := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		zf = append(zf, zap.Any(f.Key, f.Value))
	}
	z.logger.Debug(event, zf...)
}
