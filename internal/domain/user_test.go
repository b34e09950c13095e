package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProjectID(t *testing.T) {
	id, err := ParseProjectID("  P1 ")
	require.NoError(t, err)
	assert.Equal(t, ProjectID("P1"), id)

	_, err = ParseProjectID("   ")
	assert.ErrorIs(t, err, ErrProjectIDEmpty)

	_, err = ParseProjectID(strings.Repeat("p", MaxProjectIDLen+1))
	assert.ErrorIs(t, err, ErrProjectIDTooLong)
}
