// Package logx provides the bus's structured logging, grounded on the
// teacher's internal/logger package: a global zerolog.Logger, an
// Initialize entrypoint, and component-scoped child loggers.
package logx

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger. Call once at process startup.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "qihub").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func init() {
	// Default logger so packages work before Initialize is called (e.g.
	// in tests that never touch configuration).
	Log = zerolog.New(os.Stderr).With().Timestamp().Str("service", "qihub").Logger()
}

// Bus returns a child logger tagged for the message bus.
func Bus() *zerolog.Logger { return child("bus") }

// ConnMgr returns a child logger tagged for the connection manager.
func ConnMgr() *zerolog.Logger { return child("connmgr") }

// Handlers returns a child logger tagged for the handler registry.
func Handlers() *zerolog.Logger { return child("handlers") }

// Hub returns a child logger tagged for the hub facade.
func Hub() *zerolog.Logger { return child("hub") }

// WebSocket returns a child logger tagged for the transport layer.
func WebSocket() *zerolog.Logger { return child("websocket") }

// ClusterAdapter returns a child logger tagged for the advisory relay.
func ClusterAdapter() *zerolog.Logger { return child("clusteradapter") }

func child(component string) *zerolog.Logger {
	l := Log.With().Str("component", component).Logger()
	return &l
}
