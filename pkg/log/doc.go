/*
Package log provides structured logging for colony on top of zerolog.

Init configures the global Logger once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Packages derive child loggers that carry a context field, so every line
can be traced back to the service, instance or filesystem it concerns:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("workers", n).Msg("health pass")

	log.WithInstanceID("i-0abc").Warn().Msg("worker quiet, rebooting")
	log.WithFilesystem("galaxy", "/mnt/galaxy").Error().Err(err).Msg("mount failed")

Console output is the default and is meant for interactive use; JSON
output is what a log shipper should consume. Debug level logs every
dispatched worker message and is noisy on large clusters.
*/
package log
