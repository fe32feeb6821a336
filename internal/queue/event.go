// Package queue defines the sync event payload published to the broker and
// the consumer that records those events.
package queue

// Event kinds.
const (
	KindStaged    = "staged"
	KindCommitted = "committed"
	KindMerged    = "merged"
	KindDisbanded = "disbanded"
)

// SyncEvent describes one completed sync operation.  It is published to
// RabbitMQ and broadcast to host websocket clients.
type SyncEvent struct {
	Kind      string `json:"kind"`
	Device    string `json:"device,omitempty"`
	Team      string `json:"team,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Count     int    `json:"count"`
	Overwrote bool   `json:"overwrote,omitempty"`
	Discarded int    `json:"discarded,omitempty"`
	Message   string `json:"message,omitempty"`
	At        string `json:"at"`
}
