package instruction_test

import (
	"testing"

	"CrossMargin/internal/instruction"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesOnKind(t *testing.T) {
	raw := []byte(`{
		"kind": "update_price",
		"idempotency_key": "px-1",
		"signer": "6f1c2b8e-7a55-4bde-9a1e-3f0c2d4b5a61",
		"timestamp": 1700000000,
		"token": 0,
		"price": "101.5",
		"confidence": "0.2",
		"publish_time": 1699999999
	}`)

	ins, err := instruction.Decode(raw)
	require.NoError(t, err)
	up, ok := ins.(*instruction.UpdatePrice)
	require.True(t, ok, "got %T", ins)
	assert.Equal(t, "101.5", up.Price.String())
	assert.Equal(t, int64(1699999999), up.PublishTime)
	assert.Equal(t, "px-1", instruction.HeaderOf(ins).IdempotencyKey)
}

func TestEncodeStampsKind(t *testing.T) {
	ins := &instruction.CancelOrder{Account: uuid.New(), Market: 2, OrderID: 9}
	ins.IdempotencyKey = "c-1"
	ins.Timestamp = 10

	data, err := instruction.Encode(ins)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"cancel_order"`)

	back, err := instruction.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ins, back)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := instruction.Decode([]byte(`{"kind":"teleport"}`))
	assert.Error(t, err)
	assert.False(t, instruction.Known("teleport"))
}

func TestValidateHeader(t *testing.T) {
	ins := &instruction.ResolveDust{Account: uuid.New()}
	assert.Error(t, instruction.Validate(ins))

	ins.IdempotencyKey = "d-1"
	assert.Error(t, instruction.Validate(ins), "timestamp required")

	ins.Timestamp = 1
	assert.NoError(t, instruction.Validate(ins))
}
