/*
Package log provides structured logging built on github.com/rs/zerolog.

Init configures the global Logger once at startup, either as human
readable console output or as JSON:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Components take a child logger carrying their identity, so every line can
be filtered by controller or group:

	logger := log.WithController(0)
	logger.Info().Str("ns", "nvme0n1").Msg("Namespace added")

	glog := log.WithGroup(nguid)
	glog.Warn().Err(err).Msg("Activation failed")

The zero value of Logger discards output, which keeps tests quiet unless a
test calls Init.
*/
package log
