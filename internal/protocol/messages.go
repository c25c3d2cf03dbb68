// Package protocol defines the JSON messages exchanged over the signaling
// channel. Both the relay and the client use these types, one object per
// websocket message.
package protocol

import "encoding/json"

// Message kinds. Direction noted where it is not obvious from the name.
const (
	KindConnected   = "connected" // server→client, assigns the connection id
	KindJoin        = "join"
	KindJoined      = "joined"
	KindUserJoined  = "user_joined"
	KindLeave       = "leave"
	KindUserLeft    = "user_left"
	KindIdentify    = "identify"
	KindIdentified  = "identified"
	KindUserUpdated = "user_updated"
	KindChat        = "chat"
	KindSignaling   = "signaling"
	KindError       = "error"
)

// Signaling envelope sub-kinds.
const (
	SignalOffer          = "offer"
	SignalAnswer         = "answer"
	SignalICECandidate   = "ice-candidate"
	SignalPeerDisconnect = "peer-disconnect"
)

// PeekKind reads only the type discriminator so the caller can pick a
// concrete payload struct.
func PeekKind(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

type Connected struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type Join struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	UserType    string `json:"userType,omitempty"`
}

type Joined struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserJoined struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserType    string `json:"userType"`
}

type Leave struct {
	Type string `json:"type"`
}

type UserLeft struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type Identify struct {
	Type        string `json:"type"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	UserType    string `json:"userType,omitempty"`
}

type Identified struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserType    string `json:"userType"`
}

type UserUpdated struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserType    string `json:"userType"`
}

// ChatSend is the client→server half of chat.
type ChatSend struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

// ChatEvent is the broadcast form, timestamped by the relay.
type ChatEvent struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
}

// Signal is the negotiation envelope. SenderName and UserType are attached
// by the relay on forward and must be empty on the inbound leg.
type Signal struct {
	Type          string          `json:"type"`
	SignalingType string          `json:"signalingType"`
	SenderID      string          `json:"senderId"`
	TargetID      string          `json:"targetId"`
	SessionID     string          `json:"sessionId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SenderName    string          `json:"senderName,omitempty"`
	UserType      string          `json:"userType,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError keeps error replies uniform across adapters.
func NewError(msg string) Error {
	return Error{Type: KindError, Message: msg}
}
