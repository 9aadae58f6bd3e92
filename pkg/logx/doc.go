// Package logx is the structured logger used across livecast.
//
// Logger wraps zerolog and stays live across Service.Apply, so components
// keep the logger they were built with while sinks and levels change on a
// config reload. Warnings and errors can be mirrored to an operator chat.
package logx
