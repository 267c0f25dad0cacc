package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/ingest-crawler/internal/progress"
)

// LogSink writes each event as a structured log line. Error kinds log at
// warn, everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Kind {
		case progress.KindRunError, progress.KindStageError, progress.KindSourceError:
			level = zapcore.WarnLevel
		case progress.KindRunStart, progress.KindRunDone:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", string(evt.Stage)))
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source), zap.String("engine", evt.Engine))
		}
		fields = append(fields, zap.Int("items", evt.Items), zap.Duration("dur", evt.Dur))
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
