package parity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	no := false
	d, err := Resolve(Operation{OperationID: " a.b ", Method: "post", Path: "/a", IdempotencyRequired: &no}, TransportHTTP)
	require.NoError(t, err)
	assert.Equal(t, "a.b", d.OperationID)
	assert.Equal(t, "POST", d.Method)
	assert.False(t, d.IdempotencyRequired)

	d, err = Resolve(Operation{OperationID: "a", ToolName: "tool_a"}, TransportMCP)
	require.NoError(t, err)
	assert.True(t, d.IdempotencyRequired)
	assert.Equal(t, "tool_a", d.ToolName)

	cases := []struct {
		op        Operation
		transport Transport
		message   string
	}{
		{Operation{}, TransportHTTP, "operation.operationId is required"},
		{Operation{OperationID: "a", Path: "/a"}, TransportHTTP, "operation.method is required for http parity adapter"},
		{Operation{OperationID: "a", Method: "GET"}, TransportHTTP, "operation.path is required for http parity adapter"},
		{Operation{OperationID: "a", Method: "GET", Path: "/a"}, TransportMCP, "operation.toolName is required for mcp parity adapter"},
		{Operation{OperationID: "a", ToolName: "t"}, Transport("grpc"), `unknown transport "grpc"`},
	}
	for _, tc := range cases {
		_, err := Resolve(tc.op, tc.transport)
		var oie *OperationInvalidError
		require.ErrorAs(t, err, &oie)
		assert.Equal(t, tc.message, oie.Message)
	}
}

func TestExpandPath(t *testing.T) {
	d := Descriptor{Path: "/agents/{agentId}/runs/{runId}"}
	got, err := d.ExpandPath(map[string]string{"agentId": "agt/1", "runId": "r 2"})
	require.NoError(t, err)
	assert.Equal(t, "/agents/agt%2F1/runs/r%202", got)

	_, err = d.ExpandPath(map[string]string{"agentId": "a"})
	assert.EqualError(t, err, "path parameter runId is required")

	_, err = Descriptor{Path: "/a/{oops"}.ExpandPath(nil)
	assert.Error(t, err)

	got, err = Descriptor{Path: "/plain"}.ExpandPath(nil)
	require.NoError(t, err)
	assert.Equal(t, "/plain", got)
}

func TestComputeBackoff(t *testing.T) {
	p := BackoffPolicy{PolicyID: "p", BaseMs: 100, MaxMs: 1000}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(p, 2))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(p, 3))
	assert.Equal(t, time.Second, ComputeBackoff(p, 10))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(p, 0))

	j := BackoffPolicy{PolicyID: "p", BaseMs: 100, MaxMs: 1000, MaxJitterMs: 50}
	first := ComputeBackoff(j, 2)
	assert.Equal(t, first, ComputeBackoff(j, 2))
	assert.GreaterOrEqual(t, first, 200*time.Millisecond)
	assert.Less(t, first, 250*time.Millisecond)

	delay := ExponentialDelay(10*time.Millisecond, 15*time.Millisecond, 0)
	assert.Equal(t, 10*time.Millisecond, delay(1))
	assert.Equal(t, 15*time.Millisecond, delay(2))
}

func TestDefaultReasonCodesIsCopy(t *testing.T) {
	codes := DefaultReasonCodes()
	require.Len(t, codes, len(Kinds))
	codes[KindTransportError] = "MUTATED"
	assert.Equal(t, "PARITY_TRANSPORT_ERROR", DefaultReasonCodes()[KindTransportError])
}
