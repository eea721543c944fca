package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentities(t *testing.T) {
	assert.Equal(t, "user-42", UserIdentity("42"))
	assert.Equal(t, "id-r1", RequestIdentity("r1"))
	assert.NotEqual(t, UserIdentity("1"), RequestIdentity("1"))
}

func TestExecRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ExecRequest
		wantErr bool
	}{
		{"compiler", ExecRequest{Type: ExecTypeCompiler, Code: "print(1)"}, false},
		{"compiler without code", ExecRequest{Type: ExecTypeCompiler}, true},
		{"match", ExecRequest{Type: ExecTypeMatch}, false},
		{"unknown", ExecRequest{Type: "rocket"}, true},
		{"empty", ExecRequest{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPriorityAndState(t *testing.T) {
	assert.True(t, PriorityHigh.Valid())
	assert.True(t, PriorityLow.Valid())
	assert.False(t, Priority(5).Valid())
	assert.Less(t, int(PriorityHigh), int(PriorityLow))

	for _, s := range []JobState{StateSubmitted, StateQueued, StateRunning} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestResultChannelVariants(t *testing.T) {
	live := LiveConnection("c1")
	assert.Equal(t, ChannelLive, live.Kind)
	assert.Equal(t, "live(c1)", live.String())

	hook := Webhook("http://back.test/hook", "r1")
	assert.Equal(t, ChannelWebhook, hook.Kind)
	assert.Equal(t, "webhook(http://back.test/hook, r1)", hook.String())
	assert.Empty(t, hook.ConnID)
}

func TestFailedResult(t *testing.T) {
	res := FailedResult(errors.New("boom"))
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
	assert.Empty(t, res.Stdout)
}
