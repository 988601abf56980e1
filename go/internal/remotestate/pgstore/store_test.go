package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `/teams/a\_b\%`, escapeLike("/teams/a_b%"))
	assert.Equal(t, `\\`, escapeLike(`\`))
}

func TestLeafPath(t *testing.T) {
	p, err := leafPath("/timer/admin")
	assert.NoError(t, err)
	assert.Equal(t, "/timer/admin", p)

	_, err = leafPath("/")
	assert.ErrorIs(t, err, remotestate.ErrInvalidPath)
	_, err = leafPath("timer")
	assert.ErrorIs(t, err, remotestate.ErrInvalidPath)
}
