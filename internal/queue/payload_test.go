package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEnvelopeIsTaggedByJobType(t *testing.T) {
	raw, err := EncodePayload(EvolvePayload{Generation: 3, ParentJobID: "j0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"EVOLVING","data":{"generation":3,"parent_job_id":"j0"}}`, string(raw))

	p, err := DecodePayload(JobEvolving, raw)
	require.NoError(t, err)
	assert.Equal(t, EvolvePayload{Generation: 3, ParentJobID: "j0"}, p)

	_, err = DecodePayload(JobRunner, raw)
	assert.ErrorContains(t, err, "payload tagged EVOLVING on RUNNER job")
}

func TestNilPayload(t *testing.T) {
	raw, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	p, err := DecodePayload(JobBacktester, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = DecodePayloadData(JobImproving, []byte("null"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodePayloadData(t *testing.T) {
	p, err := DecodePayloadData(JobRunner, []byte(`{"instance_id":"r1","account_id":"a","execution_mode":"paper"}`))
	require.NoError(t, err)
	assert.Equal(t, RunnerPayload{InstanceID: "r1", AccountID: "a", ExecutionMode: "paper"}, p)

	_, err = DecodePayloadData(JobBacktester, []byte(`{"symbols":"not-a-list"}`))
	assert.Error(t, err)
}
