/*
Package types provides the core data structures and collaborator
interfaces for the segcache engine.

The engine sits between a filesystem front-end and a remote object
store, keeping content-addressed segments on fast local media and
spilling them to the object store when local capacity runs out:

	┌─────────────────────────────────────────────┐
	│           Filesystem Front-End              │
	│    (path resolution, dedup bookkeeping)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Segment Cache Gateway             │
	│            (internal/gateway)               │
	└─────────────────────────────────────────────┘
	      │          │            │         │
	┌─────┴────┐ ┌───┴─────┐ ┌────┴────┐ ┌──┴────┐
	│Accounting│ │ Planner │ │  Codec  │ │ Store │
	│          │ │         │ │ (zstd)  │ │ (S3)  │
	└──────────┘ └─────────┘ └─────────┘ └───────┘

The interfaces here are the seams: ObjectStore abstracts the remote
store, Codec the compression layer, and RefCountSource the dedup
layer's reference counts. Implementations live under internal/.
*/
package types
