/*
Package task tracks long-running computations and runs them on a fixed
worker pool.

A task moves through pending, running, and exactly one of completed,
cancelled, or failed. Cancellation is cooperative: Cancel sets a shared
token that is handed to the run function inside its config map, and the
function decides when to stop. A task cancelled while still queued is
finalized on pickup without ever running.

Terminal tasks stay queryable until the reaper removes them after the
configured retention window.
*/
package task
