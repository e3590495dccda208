package core

import (
	"io"
	"sort"

	charmlog "github.com/charmbracelet/log"
)

// CharmLogger adapts github.com/charmbracelet/log to the Logger interface.
// Fields are emitted as sorted key/value pairs for stable output.
type CharmLogger struct {
	logger *charmlog.Logger
}

// NewCharmLogger creates a production logger writing to w.
func NewCharmLogger(w io.Writer) *CharmLogger {
	logger := charmlog.New(w)
	logger.SetReportTimestamp(true)
	return &CharmLogger{logger: logger}
}

// NewCharmLoggerWith wraps an existing charm logger.
func NewCharmLoggerWith(logger *charmlog.Logger) *CharmLogger {
	return &CharmLogger{logger: logger}
}

func (c *CharmLogger) Info(msg string, fields map[string]interface{}) {
	c.logger.Info(msg, flatten(fields)...)
}

func (c *CharmLogger) Error(msg string, fields map[string]interface{}) {
	c.logger.Error(msg, flatten(fields)...)
}

func (c *CharmLogger) Warn(msg string, fields map[string]interface{}) {
	c.logger.Warn(msg, flatten(fields)...)
}

func (c *CharmLogger) Debug(msg string, fields map[string]interface{}) {
	c.logger.Debug(msg, flatten(fields)...)
}

func flatten(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}
