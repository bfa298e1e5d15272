package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNoneBackendDisablesArchival(t *testing.T) {
	s, err := New(Config{Backend: NameNone})
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewUnknownBackendErrors(t *testing.T) {
	_, err := New(Config{Backend: Name("bogus")})
	assert.Error(t, err)
}
