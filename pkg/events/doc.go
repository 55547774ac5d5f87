/*
Package events provides an in-memory event broker for orchestrator lifecycle
notifications.

The supervisor publishes plugin lifecycle transitions (healthy, crashed,
restarted, dead, stopped), the task manager publishes task transitions, and
the artifact store publishes game add/remove events. Subscribers receive
events over buffered channels; a subscriber that falls behind drops events
rather than blocking publishers.

The websocket feed at /api/events is the primary consumer.
*/
package events
