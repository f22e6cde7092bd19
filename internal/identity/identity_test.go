package identity

import "testing"

func TestParseTrustLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    TrustLevel
		wantErr bool
	}{
		{"phone", TrustPhone, false},
		{"orb", TrustOrb, false},
		{"", "", true},
		{"device", "", true},
		{"ORB", "", true},
	}

	for _, tt := range tests {
		got, err := ParseTrustLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTrustLevel(%q): expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTrustLevel(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTrustLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultDisplayName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"0x1234567890abcdef", "cdef"},
		{"abcd", "abcd"},
		{"ab", "ab"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := DefaultDisplayName(tt.subject); got != tt.want {
			t.Errorf("DefaultDisplayName(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}
