package roomstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confsync/internal/model"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    model.RoomStatuses
		wantErr bool
	}{
		{
			name:  "all states",
			input: `[{"roomname":"Janson","state":"0"},{"roomname":"K.1.105","state":"1"},{"roomname":"H.2215","state":"2"}]`,
			want: model.RoomStatuses{
				"Janson":  model.RoomOpen,
				"K.1.105": model.RoomFull,
				"H.2215":  model.RoomEmergencyEvacuation,
			},
		},
		{
			name:  "empty array",
			input: `[]`,
			want:  model.RoomStatuses{},
		},
		{
			name: "malformed entries are skipped",
			input: `[
				{"roomname":"Janson","state":"0"},
				{"roomname":"","state":"1"},
				{"state":"1"},
				{"roomname":"UA2.114","state":"7"},
				{"roomname":"UB2.252A","state":"full"},
				{"roomname":"AW1.120"},
				"Janson",
				42,
				{"roomname":"K.3.201","state":1}
			]`,
			want: model.RoomStatuses{
				"Janson":  model.RoomOpen,
				"K.3.201": model.RoomFull,
			},
		},
		{
			name:  "extra fields are ignored",
			input: `[{"roomname":"Janson","state":"1","updated":"2024-02-03T10:00:00Z"}]`,
			want:  model.RoomStatuses{"Janson": model.RoomFull},
		},
		{
			name:    "object payload",
			input:   `{"roomname":"Janson","state":"0"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `[{"roomname":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeNotArray(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`"open"`))
	assert.ErrorIs(t, err, ErrNotArray)
}
