package urlutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateLocalPath(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"simple path", "/cuenta/pedidos", true},
		{"root", "/", true},
		{"query and fragment", "/checkout?step=2#envio", true},
		{"encoded characters", "/buscar?q=caf%C3%A9", true},
		{"empty", "", false},
		{"relative", "cuenta/pedidos", false},
		{"absolute URL", "https://evil.example/cuenta", false},
		{"scheme relative", "//evil.example/cuenta", false},
		{"backslash host", "/\\evil.example", false},
		{"backslash inside", "/cuenta\\pedidos", false},
		{"javascript scheme", "javascript:alert(1)", false},
		{"newline", "/cuenta\n/pedidos", false},
		{"too long", "/" + strings.Repeat("a", MaxLocalPathLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLocalPath(tt.path)
			if tt.valid {
				assert.NoError(t, err)
				assert.True(t, IsLocalPath(tt.path))
			} else {
				assert.ErrorIs(t, err, ErrNotLocalPath)
				assert.False(t, IsLocalPath(tt.path))
			}
		})
	}
}
