package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaFile_StatusTransitionsMonotonic(t *testing.T) {
	m := &MediaFile{Status: StatusQueued}

	require.NoError(t, m.TransitionTo(StatusUploading))
	require.NoError(t, m.TransitionTo(StatusProcessing))
	require.NoError(t, m.TransitionTo(StatusCompleted))

	// completed is terminal
	assert.Error(t, m.TransitionTo(StatusProcessing))
	assert.Error(t, m.TransitionTo(StatusFailed))
}

func TestMediaFile_NoBackwardTransitions(t *testing.T) {
	m := &MediaFile{Status: StatusProcessing}

	assert.Error(t, m.TransitionTo(StatusUploading))
	assert.Error(t, m.TransitionTo(StatusQueued))
	assert.Error(t, m.TransitionTo(StatusProcessing))
}

func TestMediaFile_FailedReachableFromAnyActiveState(t *testing.T) {
	for _, status := range []string{StatusQueued, StatusUploading, StatusProcessing} {
		m := &MediaFile{Status: status}
		require.NoErrorf(t, m.TransitionTo(StatusFailed), "from %s", status)
	}

	// failed is terminal per upload attempt; a fresh upload creates a new record
	m := &MediaFile{Status: StatusFailed}
	assert.Error(t, m.TransitionTo(StatusUploading))
	assert.Error(t, m.TransitionTo(StatusCompleted))
}

func TestMediaFile_UnknownStatusRejected(t *testing.T) {
	m := &MediaFile{Status: StatusQueued}
	assert.Error(t, m.TransitionTo("archived"))
}
