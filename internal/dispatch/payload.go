package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/k1networth/rolekeeper/internal/membership"
	"github.com/k1networth/rolekeeper/internal/shared/events"
)

// Payload is the decoded data of an envelope. The set of implementations is
// closed: AccountCreated, RoleDeleted and Unrecognized.
type Payload interface {
	EventType() string
	isPayload()
}

type AccountCreated struct {
	Account membership.Account
}

func (AccountCreated) EventType() string { return events.TypeAccountCreated }
func (AccountCreated) isPayload()        {}

type RoleDeleted struct {
	Role membership.Role
}

func (RoleDeleted) EventType() string { return events.TypeRoleDeleted }
func (RoleDeleted) isPayload()        {}

// Unrecognized carries the opaque data of an event type nobody handles. It is
// only logged.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (u Unrecognized) EventType() string { return u.Type }
func (Unrecognized) isPayload()          {}

// Decode resolves env.Data into the payload for env.EventType.
func Decode(env events.Envelope) (Payload, error) {
	switch env.EventType {
	case events.TypeAccountCreated:
		var a membership.Account
		if err := decodeData(env, &a); err != nil {
			return nil, err
		}
		if a.ID.IsZero() {
			return nil, invalid(env, "account id is required", nil)
		}
		if strings.TrimSpace(a.Username) == "" {
			return nil, invalid(env, "account username is required", nil)
		}
		return AccountCreated{Account: a}, nil

	case events.TypeRoleDeleted:
		var r membership.Role
		if err := decodeData(env, &r); err != nil {
			return nil, err
		}
		if r.ID.IsZero() {
			return nil, invalid(env, "role id is required", nil)
		}
		return RoleDeleted{Role: r}, nil

	default:
		return Unrecognized{Type: env.EventType, Raw: env.Data}, nil
	}
}

func decodeData(env events.Envelope, dst any) error {
	if !env.HasData() {
		return invalid(env, "data is missing", nil)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return invalid(env, "data does not decode", err)
	}
	return nil
}

func invalid(env events.Envelope, reason string, err error) *InvalidPayloadError {
	return &InvalidPayloadError{EventID: env.ID, EventType: env.EventType, Reason: reason, Err: err}
}
