package utils_test

import (
	"testing"

	"github.com/jrsteele09/go-learn-session/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestToStringSlice(t *testing.T) {
	require.Equal(t, []string{"teacher:", "admin:owner"}, utils.ToStringSlice([]any{"teacher:", 7, nil, "admin:owner"}))
	require.Empty(t, utils.ToStringSlice(nil))
}

func TestValue(t *testing.T) {
	require.Equal(t, 300, utils.Value(utils.Ptr(300)))
	require.Equal(t, "", utils.Value[string](nil))
}
