package types

import (
	"errors"
	"testing"
)

func TestDomainEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   DomainEntry
		wantErr bool
	}{
		{name: "empty path", entry: DomainEntry{Path: ""}, wantErr: true},
		{name: "unknown mode", entry: DomainEntry{Path: "./a.sqlite", Mode: "kanban"}, wantErr: true},
		{name: "default mode implied", entry: DomainEntry{Path: "./a.sqlite"}},
		{name: "software mode", entry: DomainEntry{Path: "/abs/a.sqlite", Mode: DomainModeSoftware}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestDomainEntryEffectiveMode(t *testing.T) {
	if got := (DomainEntry{}).EffectiveMode(); got != DomainModeDefault {
		t.Errorf("EffectiveMode() = %q, want %q", got, DomainModeDefault)
	}
	if got := (DomainEntry{Mode: DomainModeSoftware}).EffectiveMode(); got != DomainModeSoftware {
		t.Errorf("EffectiveMode() = %q, want %q", got, DomainModeSoftware)
	}
}
