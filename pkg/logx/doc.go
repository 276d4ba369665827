// Package logx is devicepool's structured logger: a small value type over
// zerolog whose sinks can be swapped while the pool runs.
//
// Console output is human-readable with a short caller; the optional file
// sink is JSON lines. Loggers derived from a Service follow Service.Apply.
package logx
