// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package db

import (
	"os"

	"github.com/rs/zerolog"
)

// dblog is the package logger. Subsystems derive their own tagged
// loggers from it.
var dblog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
	With().Timestamp().Str("component", "db").Logger()

// SetLogger replaces the package logger, e.g. to silence it in tests or
// route it into an embedding process's sink.
func SetLogger(l zerolog.Logger) {
	dblog = l.With().Str("component", "db").Logger()
}
