// Package uuid tests for id generation and placeholders.
package uuid

import (
	"testing"
)

// TestNew verifies UUID v4 generation and uniqueness.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a valid UUID v4", id)
		}
		if seen[id] {
			t.Fatalf("New() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

// TestValidate verifies format validation.
func TestValidate(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"550e8400e29b41d4a716446655440000", true},
		{"550e8400-e29b-11d4-a716-446655440000", true},
		{"", true},
		{"local:550e8400-e29b-41d4-a716-446655440000", true},
	}

	for _, tt := range tests {
		err := Validate(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

// TestPlaceholder verifies placeholder round trip.
func TestPlaceholder(t *testing.T) {
	opID := New()
	p := Placeholder(opID)

	if !IsPlaceholder(p) {
		t.Errorf("IsPlaceholder(%q) = false", p)
	}
	if IsPlaceholder(opID) {
		t.Errorf("IsPlaceholder(%q) = true for a plain id", opID)
	}

	owner, ok := PlaceholderOwner(p)
	if !ok || owner != opID {
		t.Errorf("PlaceholderOwner() = %q, %v; want %q, true", owner, ok, opID)
	}

	if _, ok := PlaceholderOwner("123"); ok {
		t.Error("PlaceholderOwner() should reject remote ids")
	}
}
