package core

import (
	"context"
	"fmt"
	"sync"
)

// Entry is a log record kept by CaptureLogger.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// CaptureLogger keeps entries in memory so tests can assert on emitted logs.
type CaptureLogger struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  map[string]interface{}
}

// NewCaptureLogger returns an empty CaptureLogger.
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

// Entries returns a copy of everything logged so far.
func (c *CaptureLogger) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

// Find returns the entries whose message equals msg.
func (c *CaptureLogger) Find(msg string) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}

func (c *CaptureLogger) record(level, msg string, args []interface{}) {
	fields := make(map[string]interface{}, len(c.fields)+len(args)/2)
	for k, v := range c.fields {
		fields[k] = v
	}
	for i := 0; i+1 < len(args); i += 2 {
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, Entry{Level: level, Message: msg, Fields: fields})
	c.mu.Unlock()
}

func (c *CaptureLogger) Error(msg string, args ...interface{}) { c.record("ERROR", msg, args) }
func (c *CaptureLogger) Warn(msg string, args ...interface{})  { c.record("WARN", msg, args) }
func (c *CaptureLogger) Info(msg string, args ...interface{})  { c.record("INFO", msg, args) }
func (c *CaptureLogger) Debug(msg string, args ...interface{}) { c.record("DEBUG", msg, args) }

func (c *CaptureLogger) Errorf(format string, args ...interface{}) {
	c.record("ERROR", fmt.Sprintf(format, args...), nil)
}

func (c *CaptureLogger) Warnf(format string, args ...interface{}) {
	c.record("WARN", fmt.Sprintf(format, args...), nil)
}

func (c *CaptureLogger) Infof(format string, args ...interface{}) {
	c.record("INFO", fmt.Sprintf(format, args...), nil)
}

func (c *CaptureLogger) Debugf(format string, args ...interface{}) {
	c.record("DEBUG", fmt.Sprintf(format, args...), nil)
}

func (c *CaptureLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(c.fields)+len(fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &CaptureLogger{mu: c.mu, entries: c.entries, fields: merged}
}

func (c *CaptureLogger) WithContext(ctx context.Context) Logger {
	if id := CorrelationIDFrom(ctx); id != "" {
		return c.WithFields(map[string]interface{}{FieldCorrelationID: id})
	}
	return c
}
