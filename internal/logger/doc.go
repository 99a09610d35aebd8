// Package logger provides the component-scoped structured logger used across
// teraproxy.
//
// Entries carry a level, a component and optional fields, and are written as
// plain text, JSON or ANSI-colored text. Components can be switched on and off
// independently so, for example, per-request relay logs can be silenced while
// metadata failures stay visible.
//
// Usage:
//
//	log := logger.WithComponent(logger.ComponentMetadata)
//	log.Warn("upstream rejected share", logger.Fields{
//		"share_id": "1abcDEF",
//		"errno":    -9,
//	})
//
// The process-wide logger is configured once at startup, typically from
// TERAPROXY_LOG_* environment variables:
//
//	cfg := logger.EnvironmentConfig(nil)
//	l, closer, err := logger.Build(cfg)
//	if err != nil {
//		return err
//	}
//	defer closer.Close()
//	logger.SetGlobalLogger(l)
//
// Output "file:<path>" with a rotation block uses RotatingWriter, which rolls
// the file by size or age and gzips old segments.
package logger
