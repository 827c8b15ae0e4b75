package bootstrap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsExternalTokenBounds(t *testing.T) {
	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"minimum", "ab", true},
		{"maximum", strings.Repeat("a", 1224), true},
		{"alphabet", "tok+en=1,2.3@x:y/z_w-v", true},
		{"too short", "a", false},
		{"too long", strings.Repeat("a", 1225), false},
		{"space", "has space", false},
		{"quote", `tok"en`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.ExternalToken = tt.token
			err := s.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
			assert.Contains(t, err.Error(), "external token")
		})
	}
}

func TestSettingsValidateDefaults(t *testing.T) {
	require.NoError(t, testSettings().Validate())
	assert.True(t, ValidAccountID("111111111111"))
	assert.False(t, ValidAccountID("11111111111"))
	assert.True(t, ValidRegion("us-gov-west-1"))
	assert.False(t, ValidEnvironmentName("Dev"))
}
