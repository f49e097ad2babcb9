// Package codec encodes the session values that are stored as opaque blobs:
// failures, notification strings and plugin parameters. The encoding is the
// protobuf wire format so fields can be added without migrating old rows.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
)

// ErrMalformed is returned when a blob cannot be decoded.
var ErrMalformed = errors.New("codec: malformed blob")

// Field numbers of the failure message.
const (
	failureType         protowire.Number = 1
	failureKind         protowire.Number = 2
	failureMessage      protowire.Number = 3
	failureOtherPackage protowire.Number = 4
	failureStoragePath  protowire.Number = 5
	failureCause        protowire.Number = 6
)

// EncodeFailure returns nil for a nil failure.
func EncodeFailure(f *session.Failure) []byte {
	if f == nil {
		return nil
	}
	var b []byte
	b = appendString(b, failureType, string(f.Type))
	b = protowire.AppendTag(b, failureKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind.Int32()))
	b = appendString(b, failureMessage, f.Message)
	b = appendString(b, failureOtherPackage, f.OtherPackageName)
	b = appendString(b, failureStoragePath, f.StoragePath)
	if f.Cause != nil {
		b = appendString(b, failureCause, f.Cause.Error())
	}
	return b
}

// DecodeFailure returns nil for an empty blob. The cause of an exceptional
// failure is restored as a *session.PersistedCause carrying its message.
func DecodeFailure(b []byte) (*session.Failure, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var (
		f     session.Failure
		cause string
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case failureKind:
			x, n := consumeVarint(typ, v)
			f.Kind = session.FailureKindFromInt32(int32(x))
			return n, nil
		case failureType:
			s, n := consumeString(typ, v)
			f.Type = session.Type(s)
			return n, nil
		case failureMessage:
			s, n := consumeString(typ, v)
			f.Message = s
			return n, nil
		case failureOtherPackage:
			s, n := consumeString(typ, v)
			f.OtherPackageName = s
			return n, nil
		case failureStoragePath:
			s, n := consumeString(typ, v)
			f.StoragePath = s
			return n, nil
		case failureCause:
			s, n := consumeString(typ, v)
			cause = s
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decoding failure: %w", err)
	}
	if _, err := session.ParseType(string(f.Type)); err != nil {
		return nil, fmt.Errorf("decoding failure: %w: %w", ErrMalformed, err)
	}
	f.Cause = session.RestoreCause(cause)
	return &f, nil
}

const (
	stringKind  protowire.Number = 1
	stringValue protowire.Number = 2
	stringArg   protowire.Number = 3
)

// EncodeNotificationString encodes s including nested resource arguments.
func EncodeNotificationString(s session.NotificationString) []byte {
	var b []byte
	b = protowire.AppendTag(b, stringKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Kind))
	b = appendString(b, stringValue, s.Value)
	for _, a := range s.Args {
		b = protowire.AppendTag(b, stringArg, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeNotificationString(a))
	}
	return b
}

// DecodeNotificationString decodes a blob produced by EncodeNotificationString.
// An empty blob decodes to the default string.
func DecodeNotificationString(b []byte) (session.NotificationString, error) {
	var s session.NotificationString
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case stringKind:
			x, n := consumeVarint(typ, v)
			s.Kind = session.NotificationStringKind(x)
			return n, nil
		case stringValue:
			str, n := consumeString(typ, v)
			s.Value = str
			return n, nil
		case stringArg:
			raw, n := consumeBytes(typ, v)
			if n < 0 {
				return n, nil
			}
			arg, err := DecodeNotificationString(raw)
			if err != nil {
				return 0, err
			}
			s.Args = append(s.Args, arg)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
	})
	if err != nil {
		return session.NotificationString{}, fmt.Errorf("decoding notification string: %w", err)
	}
	if s.Kind < session.NotificationStringDefault || s.Kind > session.NotificationStringResource {
		return session.NotificationString{}, fmt.Errorf("%w: notification string kind %d", ErrMalformed, s.Kind)
	}
	return s, nil
}

const (
	paramEntry protowire.Number = 1
	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2
)

// EncodeParameters encodes plugin parameters in key order so equal maps
// produce equal blobs.
func EncodeParameters(p plugin.Parameters) []byte {
	var b []byte
	for _, k := range p.Keys() {
		var entry []byte
		entry = appendString(entry, paramKey, k)
		entry = appendString(entry, paramValue, p[k])
		b = protowire.AppendTag(b, paramEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeParameters returns nil for an empty blob.
func DecodeParameters(b []byte) (plugin.Parameters, error) {
	if len(b) == 0 {
		return nil, nil
	}
	out := make(plugin.Parameters)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != paramEntry {
			return protowire.ConsumeFieldValue(num, typ, v), nil
		}
		raw, n := consumeBytes(typ, v)
		if n < 0 {
			return n, nil
		}
		var key, value string
		if err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
			switch num {
			case paramKey:
				s, m := consumeString(typ, v)
				key = s
				return m, nil
			case paramValue:
				s, m := consumeString(typ, v)
				value = s
				return m, nil
			default:
				return protowire.ConsumeFieldValue(num, typ, v), nil
			}
		}); err != nil {
			return 0, err
		}
		out[key] = value
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding plugin parameters: %w", err)
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeFields walks the top-level fields of b. fn returns the number of
// bytes consumed from v or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, protowire.ConsumeFieldValue(0, typ, b)
	}
	return protowire.ConsumeVarint(b)
}

func consumeString(typ protowire.Type, b []byte) (string, int) {
	if typ != protowire.BytesType {
		return "", protowire.ConsumeFieldValue(0, typ, b)
	}
	return protowire.ConsumeString(b)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, protowire.ConsumeFieldValue(0, typ, b)
	}
	return protowire.ConsumeBytes(b)
}
