package pg

import (
	"testing"

	"github.com/google/uuid"
)

func TestDecodeContext(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		data string
		want map[string]any
	}{
		{"empty", "", nil},
		{"valid", `{"last_transition":"reactivated"}`, map[string]any{"last_transition": "reactivated"}},
		{"corrupt", `{"last_transition":`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeContext(id, []byte(tt.data))
			if (got == nil) != (tt.want == nil) || len(got) != len(tt.want) {
				t.Fatalf("decodeContext(%q) = %v, want %v", tt.data, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
