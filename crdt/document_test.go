package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUpdate(replicaID string, clock uint64, field, value string) *Update {
	return &Update{
		EntityID:  "entity-1",
		ReplicaID: replicaID,
		Clock:     clock,
		Ops: []FieldOp{{
			Field:     field,
			Value:     []byte(value),
			Clock:     clock,
			ReplicaID: replicaID,
		}},
	}
}

func TestDocument_ApplyIdempotent(t *testing.T) {
	doc := NewDocument("entity-1")
	update := makeUpdate("replica-a", 10, "title", "roadmap")

	assert.True(t, doc.Apply(update))
	assert.False(t, doc.Apply(update))

	value, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, []byte("roadmap"), value)
}

func TestDocument_ConvergesUnderPermutation(t *testing.T) {
	updates := []*Update{}
	for replica := 0; replica < 3; replica++ {
		for clock := uint64(1); clock <= 5; clock++ {
			updates = append(updates, makeUpdate(
				fmt.Sprintf("replica-%d", replica),
				clock,
				fmt.Sprintf("field-%d", clock%3),
				fmt.Sprintf("value-%d-%d", replica, clock),
			))
		}
	}

	reference := NewDocument("entity-1")
	for _, update := range updates {
		reference.Apply(update)
	}
	want := reference.Fields()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		shuffled := make([]*Update, len(updates))
		copy(shuffled, updates)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		doc := NewDocument("entity-1")
		for _, update := range shuffled {
			doc.Apply(update)
		}
		// Duplicate a random subset to exercise idempotence as well.
		for i := 0; i < 5; i++ {
			doc.Apply(shuffled[rng.Intn(len(shuffled))])
		}

		assert.Equal(t, want, doc.Fields(), "trial %d diverged", trial)
	}
}

func TestDocument_ConcurrentWritesTieBreakOnReplica(t *testing.T) {
	a := NewDocument("entity-1")
	b := NewDocument("entity-1")

	fromA := makeUpdate("replica-a", 7, "title", "from a")
	fromB := makeUpdate("replica-b", 7, "title", "from b")

	a.Apply(fromA)
	a.Apply(fromB)
	b.Apply(fromB)
	b.Apply(fromA)

	valueA, _ := a.Get("title")
	valueB, _ := b.Get("title")
	assert.Equal(t, valueA, valueB)
	assert.Equal(t, []byte("from b"), valueA)
}

func TestDocument_Version(t *testing.T) {
	doc := NewDocument("entity-1")
	doc.Apply(makeUpdate("replica-a", 3, "title", "x"))
	doc.Apply(makeUpdate("replica-b", 9, "body", "y"))

	clock, replicaID := doc.Version()
	assert.Equal(t, uint64(9), clock)
	assert.Equal(t, "replica-b", replicaID)
}

func TestClock_Monotonic(t *testing.T) {
	clock := NewClock()

	first := clock.Next()
	second := clock.Next()
	assert.Greater(t, second, first)

	clock.Observe(second + 1000)
	assert.Greater(t, clock.Next(), second+1000)
}

func TestDecodeUpdate_Undersized(t *testing.T) {
	_, err := DecodeUpdate([]byte{0x01})
	assert.ErrorIs(t, err, MalformedUpdateErr)
}

func TestDecodeUpdate_MissingFields(t *testing.T) {
	data, err := EncodeUpdate(&Update{
		EntityID: "entity-1",
		// no replica id, no ops
		Clock: 1,
	})
	require.NoError(t, err)

	_, err = DecodeUpdate(data)
	assert.ErrorIs(t, err, MalformedUpdateErr)
}

func TestEncodeDecodeUpdate(t *testing.T) {
	update := makeUpdate("replica-a", 42, "title", "sheet rows")
	data, err := EncodeUpdate(update)
	require.NoError(t, err)

	decoded, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, update, decoded)
}
