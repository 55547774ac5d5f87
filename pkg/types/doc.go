/*
Package types defines the core data structures used throughout the arbiter
orchestrator.

This package contains the fundamental types that represent the domain model:
artifacts (games), plugin specifications and lifecycle state, capability
descriptors (analyses, formats, conversions), tasks, and the cooperative
cancellation token. All other packages depend on it; it depends on nothing
but the standard library.

# Core Types

  - Artifact: an immutable, self-describing game dict. The core reads only
    id, format_name, title and players; everything else is plugin payload.
  - PluginSpec / PluginState / PluginStatus: declarative plugin entries and
    the supervisor's view of their lifecycle.
  - AnalysisDescriptor / ConversionDescriptor / PluginInfo: the capabilities
    a plugin advertises via its /info endpoint.
  - Task / TaskStatus / Result: long-running computation records with the
    five-value status domain (pending, running, completed, cancelled, failed).
  - CancelToken: an atomic flag observed between suspension points; there is
    no thread-interruption semantics anywhere in the system.

# Invariants

Terminal task statuses are reached exactly once, CompletedAt is written
before the terminal status, and CancelToken transitions monotonically from
unset to set. The task manager enforces the first two; CancelToken enforces
the third itself.
*/
package types
