/*
Package registry maintains the merged view of capabilities advertised by
healthy plugins: analyses, parseable file formats, and format conversions.

Conversions form a directed graph over format tags. Path finding is a plain
breadth-first search returning the shortest edge sequence; converting an
artifact is a left fold over that sequence, delegating each edge to its
owning plugin over HTTP.

Registration is idempotent and last-wins. Capabilities are never retracted
when a plugin dies: calls against a dead plugin fail with an Unreachable
error at submit or poll time, which keeps the client-visible capability set
stable across plugin flaps.
*/
package registry
