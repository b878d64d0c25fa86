package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
)

func TestWriteStructuredUsesJSONNames(t *testing.T) {
	r := &model.ClassificationResult{
		Category:          model.CategoryMaize,
		PredictedLabel:    "Leaf Spot",
		ConfidencePercent: 91.5,
	}

	var buf bytes.Buffer
	require.NoError(t, writeStructured(&buf, "yaml", r))
	assert.Contains(t, buf.String(), "crop_type: maize")
	assert.Contains(t, buf.String(), "predicted_disease: Leaf Spot")

	buf.Reset()
	require.NoError(t, writeStructured(&buf, "json", r))
	assert.Contains(t, buf.String(), `"predicted_disease": "Leaf Spot"`)

	assert.Error(t, writeStructured(&buf, "xml", r))
}

func TestValidateOutput(t *testing.T) {
	defer func(prev string) { outputFmt = prev }(outputFmt)

	for _, f := range []string{"text", "json", "yaml"} {
		outputFmt = f
		assert.NoError(t, validateOutput())
	}
	outputFmt = "table"
	assert.Error(t, validateOutput())
}
