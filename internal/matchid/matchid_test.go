package matchid

import (
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	id := New()

	if len(id) != 26 {
		t.Errorf("expected 26 characters, got %d", len(id))
	}
	if err := Validate(id); err != nil {
		t.Errorf("generated ID failed validation: %v", err)
	}
	if id[0] > '7' {
		t.Errorf("first character %c exceeds maximum '7'", id[0])
	}
}

func TestNewUnique(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if ids[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestNewTimeSorted(t *testing.T) {
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, New())
		time.Sleep(time.Millisecond)
	}

	for i := 1; i < len(ids); i++ {
		if strings.Compare(ids[i-1], ids[i]) >= 0 {
			t.Errorf("IDs not sorted: %s >= %s", ids[i-1], ids[i])
		}
	}
}

type fixedRand struct{ v int }

func (f fixedRand) Intn(n int) int { return f.v % n }

func TestNewWithRandSource(t *testing.T) {
	g := NewGenerator(fixedRand{v: 0})
	a := g.New()
	b := g.New()

	if err := Validate(a); err != nil {
		t.Errorf("deterministic ID failed validation: %v", err)
	}
	// Same millisecond and same randomness may collide; only the random
	// tail is fixed, so just check both are well formed.
	if err := Validate(b); err != nil {
		t.Errorf("deterministic ID failed validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", New(), false},
		{"too short", "abc", true},
		{"too long", strings.Repeat("0", 27), true},
		{"bad first char", "z" + strings.Repeat("0", 25), true},
		{"invalid char", "0" + strings.Repeat("0", 24) + "u", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
