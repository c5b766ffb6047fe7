// Package types holds the plain data shared across packages: controller
// states, identify data, generic I/O requests and reporting snapshots.
package types
