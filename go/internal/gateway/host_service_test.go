package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/quizclock/go/internal/session"
	"github.com/mcdev12/quizclock/go/internal/timer"
)

func (e *testEnv) call(t *testing.T, procedure string, fields map[string]any) (map[string]any, error) {
	t.Helper()

	msg, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	client := connect.NewClient[structpb.Struct, structpb.Struct](e.server.Client(), e.server.URL+procedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

func TestHostService_TimerCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.call(t, HostStartTimerProcedure, map[string]any{"owner": "admin"})
	require.NoError(t, err)
	assert.Equal(t, true, out["isRunning"])
	assert.Equal(t, "running", out["phase"])

	_, err = env.call(t, HostStartTimerProcedure, map[string]any{"owner": "admin"})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	out, err = env.call(t, HostSetCurrentTimeProcedure, map[string]any{"owner": "admin", "currentTime": 12})
	require.NoError(t, err)
	assert.Equal(t, float64(12), out["currentTime"])
	assert.Equal(t, false, out["isRunning"])

	_, err = env.call(t, HostSetCurrentTimeProcedure, map[string]any{"owner": "admin", "currentTime": 1.5})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = env.call(t, HostSetCurrentTimeProcedure, map[string]any{"owner": "admin", "currentTime": 61})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = env.call(t, HostPauseTimerProcedure, map[string]any{"owner": "admin"})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	out, err = env.call(t, HostResetTimerProcedure, map[string]any{"owner": "admin"})
	require.NoError(t, err)
	assert.Equal(t, float64(60), out["currentTime"])

	out, err = env.call(t, HostGetTimerProcedure, map[string]any{"owner": "admin"})
	require.NoError(t, err)
	assert.Equal(t, "stopped", out["phase"])

	_, err = env.call(t, HostStartTimerProcedure, map[string]any{})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestHostService_RoundCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.session.JoinTeam(ctx, "A"))
	_, err := env.session.SubmitAnswer(ctx, "A", "7")
	require.NoError(t, err)

	out, err := env.call(t, HostGetControlsProcedure, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["canReveal"])

	_, err = env.call(t, HostRevealAnswersProcedure, nil)
	require.NoError(t, err)

	_, err = env.call(t, HostResolveRoundProcedure, map[string]any{"target": "ten"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	out, err = env.call(t, HostResolveRoundProcedure, map[string]any{"target": 10})
	require.NoError(t, err)
	assert.Equal(t, []any{"A"}, out["winners"])

	_, err = env.call(t, HostClearAnswersProcedure, nil)
	require.NoError(t, err)

	teams, err := env.session.Teams(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, teams["A"].Score)
	assert.False(t, teams["A"].Answer.Present())
}

func TestHostService_DescriptorRegistered(t *testing.T) {
	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(HostServiceName)
	require.NoError(t, err)
	assert.Equal(t, hostServiceDescriptor.FullName(), desc.FullName())
	assert.Equal(t, len(hostMethods), hostServiceDescriptor.Methods().Len())
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want connect.Code
	}{
		{fmt.Errorf("wrap: %w", timer.ErrInvalidTransition), connect.CodeFailedPrecondition},
		{timer.ErrInvalidTime, connect.CodeInvalidArgument},
		{timer.ErrReadOnly, connect.CodePermissionDenied},
		{session.ErrInvalidID, connect.CodeInvalidArgument},
		{context.Canceled, connect.CodeCanceled},
		{errors.New("redis: connection refused"), connect.CodeUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, codeFor(tc.err), tc.err.Error())
	}
}
