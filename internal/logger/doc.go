// Package logger wraps zap with a process-wide sugared logger and helpers
// that carry a named, field-enriched logger through context.Context.
//
// Components never hold their own logger; they pull it from the context they
// were handed, so a capture loop, the schedule loop and every alarm task log
// with their own name and fields.
package logger
