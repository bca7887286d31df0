// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package eventbus publishes remap lifecycle events over NATS. It is
// optional observability; the core never blocks on it, and nothing on the
// hot path may suspend beyond handing off to the Block I/O Adapter.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// EventKind names the remap lifecycle events worth publishing.
type EventKind string

const (
	EventRemapInstalled EventKind = "remap_installed"
	EventRemapRemoved   EventKind = "remap_removed"
	EventSpareAdded     EventKind = "spare_added"
	EventSpareRemoved   EventKind = "spare_removed"
	EventFlush          EventKind = "flush"
)

// Event is the JSON payload published for every lifecycle transition.
type Event struct {
	Kind       EventKind `json:"kind"`
	Timestamp  int64     `json:"timestamp"`
	LSA        uint64    `json:"lsa,omitempty"`
	SSA        uint64    `json:"ssa,omitempty"`
	SpareIndex uint16    `json:"spare_index,omitempty"`
	Auto       bool      `json:"auto,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Bus publishes Events to a single NATS subject. A nil *Bus is valid and
// Publish becomes a no-op, so a device attached without an event bus
// configured pays nothing.
type Bus struct {
	nc      *nats.Conn
	subject string
}

// Connect dials url and returns a Bus publishing to subject.
func Connect(url, subject string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, subject: subject}, nil
}

// Publish marshals and sends ev, logging (not failing the caller) on error;
// event delivery is best-effort and must never affect the I/O path. Callers
// only invoke Publish off the hot path, from the Error Path or the Device
// Controller's control commands.
func (b *Bus) Publish(ev Event) {
	if b == nil || b.nc == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("marshal remap event")
		return
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		log.Error().Err(err).Str("subject", b.subject).Msg("publish remap event")
	}
}

// Close closes the underlying connection without draining it first.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.nc.Close()
}
