package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesSentinelByCode(t *testing.T) {
	err := Validation("create", "content is empty")

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrStorage))
}

func TestError_SeesThroughWrapping(t *testing.T) {
	base := New(CodePoolTimeout, "pool.acquire", "no idle connection after %s", "5s")
	wrapped := fmt.Errorf("create: %w", base)

	assert.True(t, errors.Is(wrapped, ErrPoolTimeout))
	assert.True(t, IsPoolTimeout(wrapped))
	assert.Equal(t, CodePoolTimeout, CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := New(CodeNotFound, "get", "digest %s", "abc")
	assert.Equal(t, "get: NOT_FOUND: digest abc", err.Error())

	noOp := &Error{Code: CodeScope, Message: "scope finished"}
	assert.Equal(t, "SCOPE: scope finished", noOp.Error())

	cause := errors.New("disk I/O error")
	withCause := &Error{Code: CodeStorage, Op: "commit", Err: cause}
	assert.Equal(t, "commit: STORAGE: disk I/O error", withCause.Error())
	assert.ErrorIs(t, withCause, cause)
}

func TestStorage_PreservesExistingCode(t *testing.T) {
	collision := New(CodeDigestCollision, "create", "exhausted")
	assert.Same(t, collision, Storage("create", collision))

	plain := errors.New("database is locked")
	wrapped := Storage("create", plain)
	assert.True(t, IsStorage(wrapped))
	assert.ErrorIs(t, wrapped, plain)

	assert.NoError(t, Storage("create", nil))
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(CodeStorage, "op", nil))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("x")))
	assert.False(t, IsNotFound(nil))
}
