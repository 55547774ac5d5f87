/*
Package supervisor manages plugin processes over their whole lifecycle.

# Architecture

	                 ┌──────────────┐
	 plugins.yaml ──▶│  Supervisor  │──▶ spawn on free port, --port=<n>
	                 │              │──▶ poll /health until ok
	  <NAME>_URL ───▶│  (external:  │──▶ fetch /info, register capabilities
	                 │   probe only)│──▶ sweep: crash detect + restart policy
	                 └──────────────┘

# Lifecycle

A plugin moves through defined, starting, healthy, and ends in crashed,
dead, or stopped. Startup waits for the plugin's health endpoint with
exponential backoff; a process that exits before turning healthy is retried
on a fresh port, which absorbs port races with other processes on the host.

The periodic sweep probes every plugin. A crashed plugin is restarted
according to its policy (never, on_failure, always) within the configured
restart budget; a plugin past its budget is marked dead and left alone.

Plugins with a <NAME>_URL environment override run outside the supervisor's
control: they are health-checked and registered but never spawned, signalled,
or restarted.
*/
package supervisor
