package result

import (
	"encoding/json"
	"errors"
	"testing"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccess(t *testing.T) {
	res := Success(42, "memory")

	assert.True(t, res.HasValue)
	assert.False(t, res.IsError)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, "memory", res.ProviderUsed.String())
	assert.NoError(t, res.Err())
}

func TestFailureHasNoValue(t *testing.T) {
	cause := errors.New("boom")
	res := Failure[int]("write failed", cause)

	assert.True(t, res.IsError)
	assert.False(t, res.HasValue)
	assert.Zero(t, res.Value)
	assert.ErrorIs(t, res.Err(), cause)
	assert.Equal(t, "write failed: boom", res.Reason())
}

func TestFailTurnsSuccessIntoError(t *testing.T) {
	res := Success("value", "memory")
	res.Fail("late failure", nil)

	assert.True(t, res.IsError)
	assert.False(t, res.HasValue)
	assert.Empty(t, res.Value)
	assert.Equal(t, "late failure", res.Reason())
	assert.Equal(t, 1, res.ErrorCount())

	res.Fail("again", errors.New("eof"))
	assert.Equal(t, 2, res.ErrorCount())
	assert.Equal(t, 2, Map(res, func(string) int { return 0 }).ErrorCount())
}

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		res  *Envelope[int]
		want string
	}{
		{"nil", nil, "nil result"},
		{"message only", Failure[int]("down", nil), "down"},
		{"exception only", Failure[int]("", errors.New("eof")), "eof"},
		{"message repeats exception", Failure[int]("eof", errors.New("eof")), "eof"},
		{"empty", &Envelope[int]{IsError: true}, "unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.Reason())
		})
	}
}

func TestWarnings(t *testing.T) {
	res := Success([]int{1}, "memory")
	res.AddInnerMessage("note %d", 1)
	assert.False(t, res.IsWarning)

	res.Warn("provider %s failed", "redis")
	res.Warn("provider %s failed", "postgres")

	assert.True(t, res.IsWarning)
	assert.False(t, res.IsError)
	assert.Equal(t, 2, res.WarningCount())
	assert.Equal(t, []string{"note 1", "provider redis failed", "provider postgres failed"}, res.InnerMessages)
}

func TestNotFound(t *testing.T) {
	id := uuid.New()

	latest := NotFound[bool](id, 0)
	assert.Equal(t, "holon "+id.String()+" not found", latest.Message)
	assert.True(t, errors.Is(latest.Exception, hderrors.ErrNotFound))

	versioned := NotFound[bool](id, 3)
	assert.Equal(t, "holon "+id.String()+" version 3 not found", versioned.Message)
}

func TestMap(t *testing.T) {
	res := Success(2, "sqlite")
	res.Warn("partial")

	mapped := Map(res, func(v int) string { return string(rune('a' + v)) })
	assert.Equal(t, "c", mapped.Value)
	assert.True(t, mapped.IsWarning)
	assert.Equal(t, 1, mapped.WarningCount())
	assert.Equal(t, res.ProviderUsed, mapped.ProviderUsed)

	called := false
	failed := Map(Failure[int]("down", nil), func(int) string { called = true; return "x" })
	assert.False(t, called)
	assert.True(t, failed.IsError)
	assert.False(t, failed.HasValue)
}

func TestMarshalJSON(t *testing.T) {
	res := Failure[int]("all providers failed", errors.New("timeout"))
	res.AddInnerMessage("provider a failed: timeout")

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["result"])
	assert.Equal(t, true, decoded["is_error"])
	assert.Equal(t, "timeout", decoded["exception"])
	assert.Equal(t, []any{"provider a failed: timeout"}, decoded["inner_messages"])

	data, err = json.Marshal(Success(7, "memory"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":7,"is_error":false,"is_warning":false,"provider_used":"memory"}`, string(data))
}
