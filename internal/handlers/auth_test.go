package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	state, err := signedState("student-42")
	require.NoError(t, err)

	studentID, err := studentFromState(state)
	require.NoError(t, err)
	assert.Equal(t, "student-42", studentID)
}

func TestStateRejectsTampering(t *testing.T) {
	state, err := signedState("student-42")
	require.NoError(t, err)

	_, err = studentFromState(state + "x")
	assert.Error(t, err)

	_, err = studentFromState("not-a-jwt")
	assert.Error(t, err)
}
