package tinyobj

/*
TinyObj is the persistent object layer beneath a multi-user object-oriented execution environment. Every live object
owns a dataspace (its variables, the arrays, mappings and strings it hosts, and its pending callouts) which survives
restarts through a block store and supports nested atomic execution: changes made inside an atomic call and its callees
become visible together when the outermost call commits, or are rolled back together when any level is discarded.

Building TinyObj produces one executable, dsctl, which inspects a block store.

The `tinyobj` module is organized into the following packages:

* `kv/dataspace`: the transaction manager, dataspaces, the plane stack, reference ownership of shared values, the
  callout patch log, import export, program upgrades and the dataspace record format.
* `kv/value`: values and the ownership token carried by every shared array and string.
* `kv/program`: program control blocks, variable layouts and the remap tables applied on recompilation.
* `kv/swap`: the block store (badger or in-memory), record framing and compression, and a background flusher.
* `kv/callout`: a fire-time ordered callout queue.
* `kv/config`, `kv/metrics`, `kv/util`: configuration, prometheus counters and storage helpers.
* `cmd/dsctl`: the inspection tool.
*/
