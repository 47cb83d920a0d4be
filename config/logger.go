package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// CreateLogger builds the process logger. When a log file is configured the
// logger writes JSON to it, otherwise it logs to stderr.
func (c *Config) CreateLogger(debug bool) (*zap.Logger, error) {
	var zcfg zap.Config
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	filename := c.LogFile
	if filename != "" || c.Logger != nil {
		dir := ""
		if c.Logger != nil {
			dir = c.Logger.Path
		}
		if filename == "" {
			filename = "engine.log"
		}
		zcfg.OutputPaths = []string{filepath.Join(dir, filename)}
	}

	logger, err := zcfg.Build()
	return logger, errors.Wrap(err, "create logger")
}
