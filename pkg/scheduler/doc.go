/*
Package scheduler manages the grid job scheduler as a cluster service.

Scheduler wraps a Backend with the service lifecycle: it requires the
transient NFS role, starts the backend once that share is up, and keeps the
execution host list in step with the workers that have joined. The master
node itself can be an execution host; the manager turns that off when the
first worker arrives and back on when the last one leaves.

SGEBackend drives a Sun Grid Engine installation through its command line
tools (qconf, qmod). MemBackend keeps the same state in memory and is what
tests and simulated runs use.

The queue can be suspended while a cluster is shared or shut down so no
new jobs start against filesystems that are about to change.
*/
package scheduler
