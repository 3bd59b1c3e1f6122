// Package ratelimit is per-ip token bucket middleware for the monitor's
// public listener.
//
// It is in-memory and per process. It keeps a single client (or a runaway
// dashboard tab polling /health) from exhausting the probe budget, since
// every /health request fans out to every monitored service. It does
// nothing against distributed floods; put a proxy in front for that.
package ratelimit
