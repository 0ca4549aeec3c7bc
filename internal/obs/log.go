package obs

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared JSON logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel parses level and applies it, keeping the current level on error.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		Logger().WithField("level", level).Warn("invalid log level, keeping current")
		return
	}
	Logger().SetLevel(lvl)
}

// Module returns an entry tagged with the calling module.
func Module(name string) *logrus.Entry {
	return Logger().WithField("module", name)
}
