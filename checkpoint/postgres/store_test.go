package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentq/errors"
)

func TestNew(t *testing.T) {
	s := New(nil)
	require.NotNil(t, s)
}

func TestSaveEmptyThreadID(t *testing.T) {
	s := New(nil)

	_, err := s.Save(context.Background(), "", []byte(`{}`))
	assert.ErrorIs(t, err, errors.ErrEmptyThreadID)
}
