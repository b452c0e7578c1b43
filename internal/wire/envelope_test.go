package wire

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/task"
)

func TestEncodeDecodeRoundTripCredentials(t *testing.T) {
	var buf bytes.Buffer
	in := Envelope{
		Kind:    KindAuthenticate,
		Lamport: 7,
		Payload: CredentialsValue(Credentials{Username: "cliente1", Password: "senha123"}),
	}
	require.NoError(t, Encode(&buf, in))

	out, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindAuthenticate, out.Kind)
	assert.Equal(t, uint64(7), out.Lamport)

	creds, err := ValueToCredentials(out.Payload)
	require.NoError(t, err)
	assert.Equal(t, "cliente1", creds.Username)
	assert.Equal(t, "senha123", creds.Password)
}

func TestEncodeDecodeRoundTripTask(t *testing.T) {
	in := task.Task{
		ID: "T-aaa", ClientID: "cliente1", Payload: "x",
		Status: task.Running, WorkerID: "w1", Lamport: 42,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Envelope{Kind: KindNewTask, Lamport: 42, Payload: TaskValue(in)}))

	out, err := Decode(&buf)
	require.NoError(t, err)
	got, err := ValueToTask(out.Payload)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestEncodeDecodeNilPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Envelope{Kind: KindAuthFail, Lamport: 1}))

	out, err := Decode(&buf)
	require.NoError(t, err)
	assert.Nil(t, out.Payload)
}

func TestEncodeDecodeLargeLamportSurvivesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	big := uint64(math.MaxUint64 - 1)
	require.NoError(t, Encode(&buf, Envelope{Kind: KindHeartbeat, Lamport: big}))

	out, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, big, out.Lamport, "lamport is carried as a decimal string, not a float64, so it must not lose precision")
}

func TestEncodeDecodeMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Envelope{Kind: KindHeartbeat, Lamport: 1}))
	require.NoError(t, Encode(&buf, Envelope{Kind: KindHeartbeat, Lamport: 2}))

	first, err := Decode(&buf)
	require.NoError(t, err)
	second, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Lamport)
	assert.Equal(t, uint64(2), second.Lamport)
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := SyncState{
		Tasks: map[string]task.Task{
			"T-1": {ID: "T-1", Status: task.Waiting},
			"T-2": {ID: "T-2", Status: task.Running, WorkerID: "w1", Lamport: 5},
		},
		Workers: []string{"w1", "w2"},
		Clock:   99,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Envelope{Kind: KindSyncState, Lamport: 99, Payload: SyncStateValue(s)}))

	out, err := Decode(&buf)
	require.NoError(t, err)
	got, err := ValueToSyncState(out.Payload)
	require.NoError(t, err)

	assert.Equal(t, s.Clock, got.Clock)
	assert.ElementsMatch(t, s.Workers, got.Workers)
	assert.Equal(t, s.Tasks["T-1"], got.Tasks["T-1"])
	assert.Equal(t, s.Tasks["T-2"], got.Tasks["T-2"])
}
