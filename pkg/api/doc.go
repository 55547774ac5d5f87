/*
Package api exposes the orchestrator over HTTP.

Routes are grouped under /api: games (upload, fetch, convert, delete),
analyses (discovery and execution), tasks (status and cancellation),
plugins (supervisor status), and a websocket event feed at /api/events.
/health and /metrics sit at the root and are excluded from request logging
and request metrics.

Errors are rendered uniformly as {"error": {code, message, details}} with
the HTTP status derived from the error's kind; messages are truncated so
plugin stack traces never reach clients verbatim.
*/
package api
