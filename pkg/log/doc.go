/*
Package log provides structured logging for tierd using zerolog.

A single global Logger is configured once at startup with Init and then
specialized per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("tier")
	logger.Info().Str("dir", "log").Msg("overlay mounted")

	dl := log.WithDevice("drive", "/dev/sdb1")
	dl.Warn().Err(err).Msg("mount failed, running fsck")

Console output is the default. JSON output is intended for journald and
log shippers.

# Rotating File Copy

When Config.File is set every line is also written through a lumberjack
rotating writer (default 5MB per file, 3 compressed backups). The daemon
manages /var/log itself, so the file should live somewhere that is not
layered, such as /run/tierd/tierd.log.

# Fields

Standard fields used across packages:

	component   subsystem name (drive, tier, reconciler, ...)
	device      block device or partition path
	dir         managed directory name
	uuid        filesystem UUID
	task        periodic task name
*/
package log
