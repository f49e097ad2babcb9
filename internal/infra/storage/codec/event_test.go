package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahrav/ackpine/internal/domain/session"
)

func TestStateChanged_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from session.State
		to   session.State
	}{
		{name: "plain transition", from: session.Pending, to: session.Active},
		{name: "to failure", from: session.Committed, to: session.Failed(session.Conflict(session.TypeInstall, "sig", "com.other"))},
		{name: "to success", from: session.Active, to: session.Succeeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			evt := session.NewStateChangedEvent(uuid.New(), session.TypeInstall, tt.from, tt.to)
			got, err := DecodeStateChanged(EncodeStateChanged(evt))
			require.NoError(t, err)

			assert.Equal(t, evt.SessionID, got.SessionID)
			assert.Equal(t, session.TypeInstall, got.Type)
			assert.True(t, tt.from.Equal(got.From), "from: %s", got.From)
			assert.True(t, tt.to.Equal(got.To), "to: %s", got.To)
			assert.True(t, evt.OccurredAt().Equal(got.OccurredAt))
		})
	}
}

func TestStateChanged_Malformed(t *testing.T) {
	t.Parallel()

	badID := protowire.AppendTag(nil, changeSessionID, protowire.BytesType)
	badID = protowire.AppendBytes(badID, []byte{1, 2, 3})
	_, err := DecodeStateChanged(badID)
	assert.ErrorIs(t, err, ErrMalformed)

	// A failed state without its failure payload is rejected.
	noFailure := protowire.AppendTag(nil, changeToKind, protowire.VarintType)
	noFailure = protowire.AppendVarint(noFailure, uint64(session.StateFailed.Int32()))
	_, err = DecodeStateChanged(noFailure)
	assert.ErrorIs(t, err, ErrMalformed)
}
