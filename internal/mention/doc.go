// Package mention implements recurring mentions.
//
// A Registry tracks, per channel, how many more times each recipient must be
// mentioned. A Scheduler runs exactly one delivery loop per channel with
// entries: each tick takes a snapshot of the channel's recipients while
// decrementing their counts in the same step, hands the snapshot to a
// Deliverer, and waits the repeat delay. The loop ends when the registry
// drops the channel after its last recipient runs out.
//
// New requests never start a second loop. Registry.Merge reports which
// channels it created; only those get a loop, and requests for a channel
// that already has one are picked up on that loop's next tick.
package mention
