package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBestMetricsOnlyStrictImprovements(t *testing.T) {
	best := NewBestMetrics()
	observed := []float64{12.0, 9.5, 9.5, 11.0, 8.0}
	want := []bool{true, true, false, false, true}
	for i, v := range observed {
		assert.Equal(t, want[i], best.UpdateASR("dev", v), "observation %d (%g)", i, v)
	}
	assert.Equal(t, 8.0, best.ASRValidWER["dev"])

	assert.True(t, best.UpdateLM("wiki", 4.2))
	assert.False(t, best.UpdateLM("wiki", 4.2))
	assert.True(t, best.UpdateLM("books", 9))
	assert.Equal(t, map[string]float64{"wiki": 4.2, "books": 9}, best.LMValidLoss)
	assert.Len(t, best.ASRValidWER, 1)
}
