/*
Package log provides structured logging for the engine using zerolog.

All logs are JSON or console formatted, carry timestamps, and support
filtering by severity. Component loggers (WithComponent) and entity loggers
(WithEpoch, WithVersionID, WithActorID, WithFragmentID, WithTableID) attach
the fields most engine log lines need without repeating them at every call
site.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	vmLog := log.WithComponent("version-manager")
	vmLog.Info().Uint64("epoch", 42).Msg("pinned new version")

	log.Logger.Error().Err(err).Msg("flush task failed")

Never log row contents at Info level or above — user data routinely includes
values that should not be persisted to shared log infrastructure; use Debug
and only in development.
*/
package log
