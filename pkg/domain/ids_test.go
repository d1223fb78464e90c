package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "delegation-broker/pkg/domain-errors"
)

func TestParseTurnID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseTurnID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseTurnID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseTurnID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts minted id", func(t *testing.T) {
		minted := NewTurnID()
		id, err := ParseTurnID(minted.String())
		require.NoError(t, err)
		assert.Equal(t, minted, id)
		assert.False(t, id.IsNil())
	})
}

// Identifiers arrive inside credentials and request bodies, so parsing must
// reject anything that could smuggle whitespace or control bytes into logs
// and audit records.
func TestParseExternalIDs_TrustBoundary(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"embedded space", "sales agent", "", true},
		{"null byte", "sales\x00", "", true},
		{"zero width space", "sales\u200B", "", true},
		{"oversized", strings.Repeat("a", maxExternalIDLength+1), "", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), "", true},
		{"surrounding whitespace trimmed", "  inventory  ", "inventory", false},
		{"email-like subject", "sarah@progear.example", "sarah@progear.example", false},
		{"group with dash", "ProGear-Sales", "ProGear-Sales", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTargetID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TargetID(tt.want), got)
		})
	}
}

func TestAllExternalIDTypes_ConsistentBehavior(t *testing.T) {
	for _, input := range []string{"", "two words", "\x01"} {
		t.Run("all reject: "+input, func(t *testing.T) {
			_, errSubject := ParseSubjectID(input)
			_, errAgent := ParseAgentID(input)
			_, errTarget := ParseTargetID(input)
			_, errGroup := ParseGroupID(input)

			require.Error(t, errSubject)
			require.Error(t, errAgent)
			require.Error(t, errTarget)
			require.Error(t, errGroup)
		})
	}
}

func TestTurnIDJSON(t *testing.T) {
	turn := NewTurnID()
	raw, err := json.Marshal(map[string]TurnID{"turn_id": turn})
	require.NoError(t, err)
	assert.JSONEq(t, `{"turn_id":"`+turn.String()+`"}`, string(raw))

	var back map[string]TurnID
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, turn, back["turn_id"])

	var bad TurnID
	err = json.Unmarshal([]byte(`"00000000-0000-0000-0000-000000000000"`), &bad)
	assert.Error(t, err)
}
