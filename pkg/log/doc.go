// Package log provides stageflow's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. It is backed by zap; callers never
// import zap directly so the backend stays swappable.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatText),
//	)
//	l = l.With(log.Component("runner"), log.Str("stage", "submit_crawl"))
//	l.Info("batch leased", log.Int("count", 8))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (level and
// json|text format). RedirectStdLog routes the standard library logger, which
// Pebble writes to, through a Logger.
package log
