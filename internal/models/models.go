package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

type MessageType string

const (
	TypeClientID    MessageType = "client_id"
	TypeUpdate      MessageType = "update"
	TypeLock        MessageType = "lock"
	TypeElementLock MessageType = "element_lock"
	TypeUserList    MessageType = "user_list"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
)

/*** Inbound ***/

// Envelope is an inbound frame decoded just enough to route it. Raw keeps the
// exact bytes the client sent so they can be relayed unchanged.
type Envelope struct {
	Type      MessageType
	XML       *string
	Locked    bool
	ElementID *string
	UserID    string

	Raw []byte
}

// ParseEnvelope decodes and validates a client frame. Server-only types
// (client_id, user_list) are rejected as unknown.
//
// Raw is relayed verbatim while the decoded fields become hub state, so a
// frame is only accepted when both read the same: it must be valid UTF-8 and
// keys are matched by exact name.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !utf8.Valid(raw) {
		return Envelope{}, fmt.Errorf("%w: invalid utf-8", ErrMalformedMessage)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var env Envelope
	if err := decodeField(fields, "type", &env.Type); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case "":
		return Envelope{}, fmt.Errorf("%w: type", ErrMissingField)
	case TypeUpdate:
		if err := decodeField(fields, "xml", &env.XML); err != nil {
			return Envelope{}, err
		}
		if env.XML == nil {
			return Envelope{}, fmt.Errorf("%w: xml", ErrMissingField)
		}
	case TypeLock:
		// a missing "locked" reads as a release
		if err := decodeField(fields, "locked", &env.Locked); err != nil {
			return Envelope{}, err
		}
	case TypeElementLock:
		if err := decodeField(fields, "element_id", &env.ElementID); err != nil {
			return Envelope{}, err
		}
		if env.ElementID == nil || *env.ElementID == "" {
			return Envelope{}, fmt.Errorf("%w: element_id", ErrMissingField)
		}
		if err := decodeField(fields, "user_id", &env.UserID); err != nil {
			return Envelope{}, err
		}
		if err := decodeField(fields, "locked", &env.Locked); err != nil {
			return Envelope{}, err
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	env.Raw = raw
	return env, nil
}

// decodeField decodes fields[key] into dst. Absent keys leave dst untouched.
func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return nil
}

/*** Outbound ***/

type ClientIDMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type UpdateMessage struct {
	Type MessageType `json:"type"`
	XML  string      `json:"xml"`
}

type LockMessage struct {
	Type   MessageType `json:"type"`
	Locked bool        `json:"locked"`
}

type ElementLockMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
	UserID    string      `json:"user_id"`
	Locked    bool        `json:"locked"`
}

type UserListMessage struct {
	Type  MessageType `json:"type"`
	Users []string    `json:"users"`
}

func NewClientIDMessage(id string) ClientIDMessage {
	return ClientIDMessage{Type: TypeClientID, ID: id}
}

func NewUpdateMessage(xml string) UpdateMessage {
	return UpdateMessage{Type: TypeUpdate, XML: xml}
}

func NewLockMessage(locked bool) LockMessage {
	return LockMessage{Type: TypeLock, Locked: locked}
}

func NewElementLockMessage(elementID, userID string, locked bool) ElementLockMessage {
	return ElementLockMessage{Type: TypeElementLock, ElementID: elementID, UserID: userID, Locked: locked}
}

func NewUserListMessage(users []string) UserListMessage {
	if users == nil {
		users = []string{}
	}
	return UserListMessage{Type: TypeUserList, Users: users}
}

/*** Presence feed ***/

type PresenceEventType string

const (
	PresenceJoined          PresenceEventType = "client-joined"
	PresenceLeft            PresenceEventType = "client-left"
	PresenceDocumentUpdated PresenceEventType = "document-updated"
	PresenceLocked          PresenceEventType = "lock-acquired"
	PresenceUnlocked        PresenceEventType = "lock-released"
	PresenceElementLocked   PresenceEventType = "element-locked"
	PresenceElementUnlocked PresenceEventType = "element-unlocked"
)

// PresenceEvent is published to the external presence feed. It never carries
// the document body.
type PresenceEvent struct {
	Type       PresenceEventType `json:"type"`
	ClientID   string            `json:"clientId"`
	ElementID  string            `json:"elementId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Clients    int               `json:"clients"`
	InstanceID string            `json:"instanceId"`
	Timestamp  time.Time         `json:"timestamp"`
}
