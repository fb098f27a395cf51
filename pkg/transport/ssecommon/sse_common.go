// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ssecommon contains the shared server-sent-events primitives used
// by the streaming side of the HTTP transport.
package ssecommon

import (
	"strings"
	"time"
)

// SSEMessage is one server-sent event.
type SSEMessage struct {
	// EventType is the SSE event name.
	EventType string

	// EventID is the SSE id field, used for Last-Event-Id resumption.
	// Empty omits the id line.
	EventID string

	// Data is the event payload. Multi-line payloads render as multiple
	// data lines per the SSE framing rules.
	Data string

	// TargetClientID routes the message to one client; empty broadcasts.
	// It is not part of the wire format.
	TargetClientID string

	// CreatedAt is when the message was created.
	CreatedAt time.Time
}

// NewSSEMessage creates a new SSE message.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// WithTargetClientID sets the target client and returns the message for
// chaining.
func (m *SSEMessage) WithTargetClientID(clientID string) *SSEMessage {
	m.TargetClientID = clientID
	return m
}

// WithEventID sets the SSE id field and returns the message for chaining.
func (m *SSEMessage) WithEventID(eventID string) *SSEMessage {
	m.EventID = eventID
	return m
}

// ToSSEString renders the message in SSE wire format.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(m.EventType)
	sb.WriteString("\n")
	if m.EventID != "" {
		sb.WriteString("id: ")
		sb.WriteString(m.EventID)
		sb.WriteString("\n")
	}
	for _, line := range strings.Split(m.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// PendingSSEMessage is a message queued for a client that has not connected
// yet.
type PendingSSEMessage struct {
	// Message is the queued message.
	Message *SSEMessage

	// CreatedAt is when the message was queued.
	CreatedAt time.Time
}

// NewPendingSSEMessage queues a message.
func NewPendingSSEMessage(message *SSEMessage) *PendingSSEMessage {
	return &PendingSSEMessage{
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// SSEClient is one connected SSE consumer.
type SSEClient struct {
	// MessageCh carries rendered SSE frames to the client writer.
	MessageCh chan string

	// CreatedAt is when the client connected.
	CreatedAt time.Time
}
