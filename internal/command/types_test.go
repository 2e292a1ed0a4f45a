package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusUnknown, StatusRunning, true},
		{StatusUnknown, StatusCompleted, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusUnknown, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestMessageValidate(t *testing.T) {
	ok := Message{ID: "m1", Command: Command{ID: "c1", Type: "DeployCommand"}}
	require.NoError(t, ok.Validate())

	tests := map[string]struct {
		msg   Message
		field string
	}{
		"missing message id": {Message{Command: ok.Command}, "id"},
		"missing command id": {Message{ID: "m1", Command: Command{Type: "X"}}, "command.id"},
		"missing type":       {Message{ID: "m1", Command: Command{ID: "c1"}}, "command.type"},
		"bad payload":        {Message{ID: "m1", Command: Command{ID: "c1", Type: "X", Payload: json.RawMessage(`{`)}}, "command.payload"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.msg.Validate()
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestDetailFor(t *testing.T) {
	t.Run("unsupported keeps kind and type", func(t *testing.T) {
		d := DetailFor(fmt.Errorf("resolve: %w", &UnsupportedCommandError{Type: "Foo"}))
		assert.Equal(t, KindUnsupported, d.Kind)
		assert.JSONEq(t, `{"type":"Foo"}`, string(d.Detail))
	})

	t.Run("plain error is unhandled", func(t *testing.T) {
		d := DetailFor(errors.New("boom"))
		assert.Equal(t, KindUnhandled, d.Kind)
		assert.Equal(t, "boom", d.Message)
		assert.Nil(t, d.Detail)
	})

	t.Run("validation has no detail", func(t *testing.T) {
		d := DetailFor(&ValidationError{Field: "id", Reason: "is required"})
		assert.Equal(t, KindValidation, d.Kind)
		assert.Equal(t, "invalid id: is required", d.Message)
	})
}
