/*
Package cascache implements the worker-local content-addressed file cache: a
reference-counted LRU over one flat directory.

# On-disk layout

	<root>/<hash>_<size>        blob
	<root>/<hash>_<size>_exec   executable variant
	<root>/<hash>_<size>_dir/   materialized directory tree (hard links)
	<root>/*.tmp.<uuid>         in-flight writes and deferred deletes

The layout is recovered on start by walking one level; leftover temp files
and directory trees are discarded and blobs re-enter the LRU ordered by
access time.

# Reference counting

Entries carry a reference count. The LRU list contains exactly the entries
whose count is zero, oldest release first, so the eviction victim under size
pressure is always the least recently used unreferenced entry. Directory
entries hold one reference on each contained file for their whole lifetime;
evicting a file that still participates in a directory expires the whole
tree and releases its other inputs.

Writers reserve space before fetching: eviction runs until the new blob
fits, and when everything left is referenced the writer blocks until a
reference is released.

# Concurrency

A per-key lock serializes fetch and materialization of a single key, so
concurrent requests for one digest do exactly one fetch. A coarse monitor
guards the LRU list, sizes and counts; it is released around disk deletions
and never held across a network round-trip.
*/
package cascache
