package service

import "go.uber.org/zap"

// logFields builds the common zap fields attached to every service
// lifecycle log line, keeping record.go and the kind-specific bringUp
// implementations from repeating the same three fields.
func logFields(r *Record) []zap.Field {
	return []zap.Field{
		zap.String("service", r.key.String()),
		zap.String("kind", r.cfg.Kind.String()),
		zap.Int("pid", r.pid),
	}
}
