package batchwrite

/*
batchwrite is a library that commits a dataset produced by a parallel
compute engine into a sharded transactional KV store atomically, using a
percolator-style two-phase commit protocol and a Placement Driver for
timestamps and region routing.

It does not run as a server; a compute engine embeds it and calls Write
once per dataset. The package is organized as follows:

* `internal/codec`: row and index key/value encoding.
* `internal/catalog`: table descriptor and auto-increment allocation client.
* `internal/handle`: handle allocation for tables without a user-supplied key.
* `internal/normalize`: turns raw dataset records into typed rows.
* `internal/rowset`: assigns a handle to every normalized row.
* `internal/dedup`: collapses rows sharing a handle or unique index value.
* `internal/conflict`: finds existing rows the input collides with.
* `internal/kvexpand`: turns a row into its row-KV and index-KVs.
* `internal/merge`: unions inserts with delete tombstones for replaced rows.
* `internal/partition`: routes KVs to workers by owning region.
* `internal/txn`: the two-phase commit driver.
* `internal/tablelock`: the SQL side-channel table lock and region-split hints.
* `internal/pdclient`, `internal/rpcclient`: Placement Driver and KV store
  RPC clients.
*/
