package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "ingest.batch.42", BatchSubject(42))
	assert.Equal(t, "ingest.service.7", ServiceSubject(7))
	assert.Equal(t, "a_b_c", subjectToken(" a.b*c "))
	assert.Equal(t, "_", subjectToken("  "))
}

func TestBatchEventJSON(t *testing.T) {
	ev := BatchEvent{RunID: "r1", ServiceID: 3, Batch: 2, Size: 100, Inserted: 60, Updated: 40, Timestamp: time.Unix(0, 0).UTC()}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "r1", got["runId"])
	assert.EqualValues(t, 60, got["inserted"])
	assert.NotContains(t, got, "error")
	assert.NotContains(t, got, "failed")
}
