// Package cron runs named maintenance jobs on cron or interval schedules.
//
// Jobs never overlap with themselves: a tick that fires while the previous
// run is still going is skipped. Interval schedules get a random first-run
// offset so jobs registered together do not all fire at once.
package cron
