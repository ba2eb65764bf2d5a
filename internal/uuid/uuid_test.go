// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"sync"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewClientID tests the timestamp + random suffix shape.
func TestNewClientID(t *testing.T) {
	now := time.UnixMilli(1729331234567)
	id := NewClientID(now)

	if !IsClientID(id) {
		t.Fatalf("NewClientID() = %q, does not match client id format", id)
	}

	got, err := ClientIDTime(id)
	if err != nil {
		t.Fatalf("ClientIDTime() error = %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("ClientIDTime() = %v, want %v", got, now)
	}
}

// TestNewClientID_uniqueness tests that ids minted in the same millisecond never collide.
func TestNewClientID_uniqueness(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	ids := make(map[string]bool)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := NewClientID(now)
				mu.Lock()
				if ids[id] {
					t.Errorf("Duplicate client id generated: %s", id)
				}
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(ids) != 4000 {
		t.Errorf("Expected 4000 unique ids, got %d", len(ids))
	}
}

// TestClientIDTime_invalid tests rejection of malformed ids.
func TestClientIDTime_invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "123-xyz", New(), "1729331234567-3F2A9C1B7D4E4F10"} {
		if _, err := ClientIDTime(s); err == nil {
			t.Errorf("ClientIDTime(%q) should fail", s)
		}
	}
}

// TestValidate tests UUID v4 validation.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"v1 uuid", "f47ac10b-58cc-1372-a567-0e02b2c3d479", true},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
