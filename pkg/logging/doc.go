// Package logging provides structured logging configuration for prock.
//
// This package wraps log/slog so every prock component logs the same way.
// It supports configurable log levels and output formats.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("proxy listening", "addr", ":4280")
//	logger.Error("store read failed", "error", err)
//
// # Integration
//
// Components accept a *slog.Logger in their constructor or via a setter and
// default to logging.Nop(). Component loggers carry a "component" attribute,
// see Component.
package logging
