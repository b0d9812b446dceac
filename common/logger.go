// Package common provides the ambient logging texture shared by every
// package in this module: a package-level *logrus.Logger with a stream
// splitter (errors to stderr, everything else to stdout) and the small
// ForPlugin/ForEngine helpers that stamp a plugin slug or engine name on
// an entry derived from that logger.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr when they carry
// level=error and to stdout otherwise, so container log collectors can
// treat the two streams differently without parsing structured fields.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the shared root logger; level/format configuration (see
// config.LoggingConfig) applies to entries derived from it through
// ForPlugin/ForEngine. The plugin packages (plugin, backup, ttl, inventory,
// statemachine) build their own entries from logrus's standard logger,
// which Configure does not change.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(OutputSplitter{})
}

// Configure applies level and format settings loaded from the environment.
// Called once at process startup (cmd/s3dbengine); tests that don't call it
// get logrus's defaults.
func Configure(level logrus.Level, jsonFormat bool) {
	Logger.SetLevel(level)
	if jsonFormat {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ForPlugin returns an Entry stamped with the plugin's slug under the same
// plugin_slug field the plugin packages use for their own entries.
func ForPlugin(slug string) *logrus.Entry {
	return logrus.NewEntry(Logger).WithField("plugin_slug", slug)
}

// ForEngine returns an Entry stamped with the engine name (cache,
// ttl, state-machine).
func ForEngine(name string) *logrus.Entry {
	return logrus.NewEntry(Logger).WithField("engine", name)
}
