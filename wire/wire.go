// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the event catalog and frame format of the
// duplex connection between a tab and the messaging backend. Frames
// are JSON envelopes: {"event": <name>, "data": <payload>}.
//
// Malformed frames are a protocol violation: the decoder returns a
// *ViolationError which the connection layer logs and drops. A bad
// frame never crashes the handler chain and never surfaces to
// subscribers.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-chat/parley/lib/ref"
)

// Events pushed by the backend.
const (
	// EventOnlineUsers carries the authoritative full online-user
	// list. Payload: OnlineUsers.
	EventOnlineUsers = "getOnlineUsers"

	// EventNewMessage carries a message addressed to or sent by this
	// user. Payload: Message.
	EventNewMessage = "newMessage"

	// EventIncomingCall announces a call offer. Payload: IncomingCall.
	EventIncomingCall = "incomingCall"

	// EventReceiveSignal carries mid-negotiation signaling data.
	// Payload: Signal.
	EventReceiveSignal = "receiveSignal"

	// EventCallAccepted carries the receiver's answer signal back to
	// the initiator. Payload: Signal.
	EventCallAccepted = "callAccepted"

	// EventCallEnded announces remote call termination. Payload:
	// CallEnd.
	EventCallEnded = "callEnded"

	// EventCallFailed announces backend-side call failure. Payload:
	// CallEnd.
	EventCallFailed = "callFailed"

	// EventSessionInvalidated is the forced disconnect: this identity
	// connected elsewhere and the backend replaced this connection.
	// Terminal — the connection layer must not reconnect.
	EventSessionInvalidated = "sessionInvalidated"
)

// Events emitted by the tab.
const (
	// EventCallUser requests a call to a peer. Payload: CallRequest.
	EventCallUser = "callUser"

	// EventSendSignal relays the initiator's signaling data to the
	// peer. Payload: SignalTo.
	EventSendSignal = "sendSignal"

	// EventAnswerCall relays the receiver's answer signal. Payload:
	// SignalTo.
	EventAnswerCall = "answerCall"

	// EventEndCall notifies the peer of call termination. Payload:
	// CallEnd.
	EventEndCall = "endCall"
)

// CallKind distinguishes audio-only from audio+video calls.
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether the kind is one of the defined values.
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// SignalPayload is opaque offer/answer/candidate data exchanged to
// establish the direct media peer connection. The coordination layer
// relays it without inspection.
type SignalPayload = json.RawMessage

// Envelope is the frame carried on the duplex connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OnlineUsers is the EventOnlineUsers payload.
type OnlineUsers struct {
	IDs []ref.UserID `json:"ids"`
}

// Message is the EventNewMessage payload and the visible message
// shape everywhere in the core.
type Message struct {
	ID            ref.MessageID `json:"id"`
	SenderID      ref.UserID    `json:"senderId"`
	ReceiverID    ref.UserID    `json:"receiverId"`
	Body          string        `json:"text,omitempty"`
	AttachmentRef string        `json:"image,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// IncomingCall is the EventIncomingCall payload.
type IncomingCall struct {
	From         ref.UserID    `json:"from"`
	CallerName   string        `json:"callerName,omitempty"`
	CallerAvatar string        `json:"callerAvatar,omitempty"`
	Kind         CallKind      `json:"type"`
	Signal       SignalPayload `json:"signal"`
}

// Signal is the payload of EventReceiveSignal and EventCallAccepted.
type Signal struct {
	From   ref.UserID    `json:"from,omitempty"`
	Signal SignalPayload `json:"signal"`
}

// SignalTo is the payload of EventSendSignal and EventAnswerCall.
type SignalTo struct {
	To     ref.UserID    `json:"to"`
	Signal SignalPayload `json:"signal"`
}

// CallRequest is the EventCallUser payload.
type CallRequest struct {
	To     ref.UserID    `json:"to"`
	Kind   CallKind      `json:"type"`
	Signal SignalPayload `json:"signal,omitempty"`
}

// CallEnd is the payload of EventEndCall, EventCallEnded, and
// EventCallFailed. Reason is advisory; "busy" marks the automatic
// decline of a second incoming offer.
type CallEnd struct {
	To     ref.UserID `json:"to,omitempty"`
	From   ref.UserID `json:"from,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// SessionInvalidated is the EventSessionInvalidated payload.
type SessionInvalidated struct {
	Reason string `json:"reason,omitempty"`
}

// ReasonBusy is the CallEnd reason for auto-declining an offer that
// arrived while another call session was active.
const ReasonBusy = "busy"

// ViolationError marks a frame that could not be decoded. The
// connection layer logs it and drops the frame.
type ViolationError struct {
	Event string // empty when the envelope itself was malformed
	Cause error
}

func (e *ViolationError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("wire: malformed envelope: %v", e.Cause)
	}
	return fmt.Sprintf("wire: malformed %q payload: %v", e.Event, e.Cause)
}

func (e *ViolationError) Unwrap() error { return e.Cause }

// DecodeEnvelope parses a raw frame. An unnamed event is a violation;
// an unknown event name is not (forward compatibility) — dispatch
// simply finds no handlers for it.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, &ViolationError{Cause: err}
	}
	if envelope.Event == "" {
		return Envelope{}, &ViolationError{Cause: fmt.Errorf("missing event name")}
	}
	return envelope, nil
}

// EncodeEnvelope builds a frame for emission.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %q payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %q envelope: %w", event, err)
	}
	return frame, nil
}

// DecodePayload parses an envelope's data into the typed payload for
// its event.
func DecodePayload[T any](envelope Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return payload, &ViolationError{Event: envelope.Event, Cause: err}
	}
	return payload, nil
}
