package run

import (
	"os"

	"github.com/Mmx233/llproxy/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging applies log.level unless --debug is set, and tees output to
// a rotated file when log.file is configured.
func setupLogging(conf config.Log, debug bool) (func(), error) {
	if !debug {
		level, err := zerolog.ParseLevel(conf.Level)
		if err != nil {
			return nil, err
		}
		zerolog.SetGlobalLevel(level)
	}
	if conf.File == "" {
		return func() {}, nil
	}

	file := &lumberjack.Logger{
		Filename:   conf.File,
		MaxSize:    conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFormatUnix}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return func() { _ = file.Close() }, nil
}
