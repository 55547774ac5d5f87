/*
Package log provides structured logging for the arbiter orchestrator.

Built on zerolog, it exposes a global Logger initialized once at startup via
Init, plus helpers that derive child loggers carrying standard fields
(component, plugin, task_id, game_id). Components obtain their logger with

	logger := log.WithComponent("supervisor")

and attach further context per call:

	logger.Info().Str("plugin", name).Int("port", port).Msg("plugin healthy")

Console output (human-readable, colored) is the default; JSON output is used
in production via Config.JSONOutput.
*/
package log
