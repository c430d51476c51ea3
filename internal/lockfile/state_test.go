package lockfile

import (
	"reflect"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	lockedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	state := &State{
		Version: StateVersion,
		Path:    "/tmp/App.xcodeproj",
		Queue: []Entry{
			{
				ID:        "entry-1",
				Reason:    `Fix "login" bug, with, commas`,
				Command:   "build",
				CreatedAt: lockedAt.Add(-time.Minute),
				LockedAt:  &lockedAt,
			},
			{
				ID:        "entry-2",
				Reason:    "Write tests\t(tab embedded)",
				Command:   "test",
				CreatedAt: lockedAt,
			},
		},
	}

	data, err := EncodeState(state)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	decoded, err := DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if !reflect.DeepEqual(state, decoded) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", decoded, state)
	}
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "valid minimal state",
			data: `{"version":1,"path":"/tmp/App.xcodeproj","queue":[]}`,
		},
		{
			name: "unknown fields tolerated",
			data: `{"version":7,"path":"/tmp/App.xcodeproj","queue":[],"futureField":{"x":1}}`,
		},
		{
			name:    "missing path rejected",
			data:    `{"version":1,"queue":[]}`,
			wantErr: true,
		},
		{
			name:    "truncated payload rejected",
			data:    `{"version":1,"path":"/tmp/App`,
			wantErr: true,
		},
		{
			name:    "non-JSON payload rejected",
			data:    "not a lock file",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := DecodeState([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got state %+v", state)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state.Path == "" {
				t.Error("decoded state has empty path")
			}
		})
	}
}

func TestEntryHeld(t *testing.T) {
	now := time.Now()
	if (Entry{}).Held() {
		t.Error("entry without LockedAt should not be held")
	}
	if !(Entry{LockedAt: &now}).Held() {
		t.Error("entry with LockedAt should be held")
	}
}
