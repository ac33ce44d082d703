/*
Package timesync keeps every node's clock offset from the master measurable
and bounded.

One node per cluster is the configured master; its wall clock is the
reference. Slaves query the master's /sync/time endpoint on a fixed interval
and estimate their offset with the round-trip midpoint estimator:

	offset ≈ ((t_master_recv + t_master_send) / 2) − ((t_slave_send + t_slave_recv) / 2)

The result classifies as ok (offset within tolerance, RTT within bound),
warn (within twice the tolerance), or fail (beyond that, or no measurement
within the staleness window). Arming a slave for recording is gated on a
fresh, in-tolerance offset; the master itself always passes.

The master is only special for timing. If it goes unreachable, slaves degrade
to fail after the staleness window but otherwise keep running — an in-flight
recording is never interrupted by sync loss, and a sync query in flight never
blocks a state transition.
*/
package timesync
