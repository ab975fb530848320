// Package logx is a thin facade over zerolog.
//
// It exists so that components take a small Logger value instead of a
// *zerolog.Logger, and so that sinks and levels can be swapped at runtime
// (config hot reload) without re-plumbing loggers through the app.
package logx
