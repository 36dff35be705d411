// Package device provides the capability providers a host agent mounts into
// a guest's VFS.
//
// Every provider owns fixed "/dev/<name>" paths, declares a fixed read or
// write capability and backs each opened entry with a stream engine:
//
//   - [Clock]: /dev/clock, read-only, 8-byte little-endian nanosecond timestamp
//     sampled fresh on every read cycle, never decreasing.
//   - [Random]: /dev/random, read-only, 8 random bytes per cycle.
//   - [Sensor]: any read-only path backed by a sampling function.
//   - [LogSink]: /dev/log, write-only; lines are emitted to the host logger
//     when the entry is closed.
//   - [SubscribeSink]: /dev/mqtt_subscribe, write-only; each line is a topic
//     filter subscribed when the entry is closed.
//   - [Files]: host files exposed read-only or write-only under chosen paths.
//
// Providers run on the guest's blocking call path and must return quickly.
package device
