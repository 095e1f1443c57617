package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayout(t *testing.T) {
	k := keys{prefix: "meshcall"}

	assert.Equal(t, "meshcall:room:r1", k.room("r1"))
	assert.Equal(t, "meshcall:room:r1:participants", k.participants("r1"))
	assert.Equal(t, "meshcall:room:r1:offer:alice:bob", k.offer("r1", "alice", "bob"))
	assert.Equal(t, "meshcall:room:r1:answer:bob:alice", k.answer("r1", "bob", "alice"))
	assert.Equal(t, "meshcall:room:r1:cand:alice:bob", k.candidates("r1", "alice", "bob"))
	assert.Equal(t, "meshcall:room:r1:events", k.events("r1"))
}
