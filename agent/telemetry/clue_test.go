package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestTagsToAttrsPairsUpValues(t *testing.T) {
	attrs := tagsToAttrs([]string{"tenant", "acme", "region", "us-east"})

	assert.Equal(t, []attribute.KeyValue{
		attribute.String("tenant", "acme"),
		attribute.String("region", "us-east"),
	}, attrs)
}

func TestTagsToAttrsHandlesDanglingKey(t *testing.T) {
	attrs := tagsToAttrs([]string{"tenant"})

	assert.Equal(t, []attribute.KeyValue{attribute.String("tenant", "")}, attrs)
}

func TestKvSliceToAttrsTypesByValue(t *testing.T) {
	attrs := kvSliceToAttrs([]any{
		"name", "sag",
		"count", 3,
		"latency_ms", int64(120),
		"ratio", 0.5,
		"ok", true,
	})

	assert.Equal(t, []attribute.KeyValue{
		attribute.String("name", "sag"),
		attribute.Int("count", 3),
		attribute.Int64("latency_ms", int64(120)),
		attribute.Float64("ratio", 0.5),
		attribute.Bool("ok", true),
	}, attrs)
}

func TestKvSliceToClueSkipsNonStringKeys(t *testing.T) {
	fielders := kvSliceToClue([]any{42, "value", "ok", "yes"})

	assert.Len(t, fielders, 1)
}
