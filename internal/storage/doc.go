package storage

// Package storage persists the event collection across restarts.
//
// The in-memory store stays authoritative; this layer is a write-behind
// mirror loaded once at startup.
