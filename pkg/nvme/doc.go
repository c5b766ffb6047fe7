// Package nvme holds the command set, register layout, error taxonomy and
// transport contract the control plane is written against, plus an
// in-memory loopback transport with fault injection.
package nvme
