// Package vsilog provides structured, leveled logging for the VSI core:
// a component tag, Field-based key/value attachments, and a single-mutex
// writer, with one package-level default logger plus per-component
// construction.
package vsilog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
	Fatal: "FATAL",
}

// Logger is a small structured logger: component tag, leveled output, fields.
type Logger struct {
	mu        sync.Mutex
	level     Level
	component string
	output    io.Writer
}

// Config configures a Logger instance.
type Config struct {
	Level     Level
	Component string
	Output    io.Writer
}

// New creates a Logger from Config, defaulting Output to os.Stderr.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return &Logger{level: cfg.Level, component: cfg.Component, output: cfg.Output}
}

// Default returns a Logger at Info level tagged with component.
func Default(component string) *Logger {
	return New(Config{Level: Info, Component: component, Output: os.Stderr})
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(Error, msg, fields...) }

// Fatal logs at Fatal level then calls os.Exit(1). Reserved for init-time
// IOError conditions the caller has already decided are unrecoverable.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(Fatal, msg, fields...)
	os.Exit(1)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("]")
	if l.component != "" {
		b.WriteString(" [")
		b.WriteString(l.component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)

	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.format())
	}
	b.WriteString("\n")

	_, _ = l.output.Write([]byte(b.String()))
}

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

var global = Default("vsicore")

// SetGlobal replaces the package-level default logger used by the free
// GlobalDebug/GlobalInfo/GlobalWarn/GlobalError functions below.
func SetGlobal(l *Logger) { global = l }

func GlobalDebug(msg string, fields ...Field) { global.Debug(msg, fields...) }
func GlobalInfo(msg string, fields ...Field)  { global.Info(msg, fields...) }
func GlobalWarn(msg string, fields ...Field)  { global.Warn(msg, fields...) }
func GlobalError(msg string, fields ...Field) { global.Error(msg, fields...) }

func String(key, value string) Field              { return Field{key, value} }
func Uint32(key string, value uint32) Field       { return Field{key, value} }
func Uint64(key string, value uint64) Field       { return Field{key, value} }
func Int(key string, value int) Field             { return Field{key, value} }
func Bool(key string, value bool) Field           { return Field{key, value} }
func Err(err error) Field                         { return Field{"error", err} }
func Duration(key string, d time.Duration) Field  { return Field{key, d} }
