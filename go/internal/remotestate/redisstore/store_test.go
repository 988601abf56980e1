package redisstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `quiz:/teams/a\*b\?\[c\]`, "quiz:"+escapeGlob("/teams/a*b?[c]"))
	assert.Equal(t, `\\`, escapeGlob(`\`))
}

func TestLeafPath(t *testing.T) {
	p, err := leafPath("/teams/A/")
	assert.NoError(t, err)
	assert.Equal(t, "/teams/A", p)

	_, err = leafPath("/")
	assert.ErrorIs(t, err, remotestate.ErrInvalidPath)
}

func TestParseRev(t *testing.T) {
	assert.Equal(t, uint64(42), parseRev("42"))
	assert.Equal(t, uint64(0), parseRev("nope"))
}

func TestKeys(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "quiz"}}
	assert.Equal(t, "quiz:/timer/admin", s.key("/timer/admin"))
}
