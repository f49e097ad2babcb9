package codec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahrav/ackpine/internal/domain/session"
)

const (
	changeSessionID   protowire.Number = 1
	changeType        protowire.Number = 2
	changeFromKind    protowire.Number = 3
	changeFromFailure protowire.Number = 4
	changeToKind      protowire.Number = 5
	changeToFailure   protowire.Number = 6
	changeOccurredAt  protowire.Number = 7
)

// StateChange is the decoded form of a session state change event.
type StateChange struct {
	SessionID  uuid.UUID
	Type       session.Type
	From       session.State
	To         session.State
	OccurredAt time.Time
}

// EncodeStateChanged encodes evt for an external message bus.
func EncodeStateChanged(evt session.StateChangedEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, changeSessionID, protowire.BytesType)
	b = protowire.AppendBytes(b, evt.SessionID[:])
	b = appendString(b, changeType, string(evt.Type))
	b = appendState(b, changeFromKind, changeFromFailure, evt.From)
	b = appendState(b, changeToKind, changeToFailure, evt.To)
	b = protowire.AppendTag(b, changeOccurredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(evt.OccurredAt().UnixNano()))
	return b
}

func appendState(b []byte, kindNum, failureNum protowire.Number, s session.State) []byte {
	b = protowire.AppendTag(b, kindNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Kind.Int32()))
	if f := EncodeFailure(s.Failure); f != nil {
		b = protowire.AppendTag(b, failureNum, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b
}

// DecodeStateChanged decodes a blob produced by EncodeStateChanged.
func DecodeStateChanged(b []byte) (StateChange, error) {
	var (
		out         StateChange
		fromFailure []byte
		toFailure   []byte
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case changeSessionID:
			raw, n := consumeBytes(typ, v)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return 0, fmt.Errorf("%w: session id: %w", ErrMalformed, err)
			}
			out.SessionID = id
			return n, nil
		case changeType:
			s, n := consumeString(typ, v)
			out.Type = session.Type(s)
			return n, nil
		case changeFromKind:
			x, n := consumeVarint(typ, v)
			out.From.Kind = session.StateKindFromInt32(int32(x))
			return n, nil
		case changeFromFailure:
			raw, n := consumeBytes(typ, v)
			fromFailure = raw
			return n, nil
		case changeToKind:
			x, n := consumeVarint(typ, v)
			out.To.Kind = session.StateKindFromInt32(int32(x))
			return n, nil
		case changeToFailure:
			raw, n := consumeBytes(typ, v)
			toFailure = raw
			return n, nil
		case changeOccurredAt:
			x, n := consumeVarint(typ, v)
			out.OccurredAt = time.Unix(0, int64(x)).UTC()
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
	})
	if err != nil {
		return StateChange{}, fmt.Errorf("decoding state change: %w", err)
	}

	if out.From.Failure, err = DecodeFailure(fromFailure); err != nil {
		return StateChange{}, fmt.Errorf("decoding state change: %w", err)
	}
	if out.To.Failure, err = DecodeFailure(toFailure); err != nil {
		return StateChange{}, fmt.Errorf("decoding state change: %w", err)
	}
	if err := out.To.Validate(); err != nil {
		return StateChange{}, fmt.Errorf("decoding state change: %w: %w", ErrMalformed, err)
	}
	return out, nil
}
