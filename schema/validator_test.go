package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name" jsonschema:"required,minLength=1"`
	Count int    `json:"count,omitempty" jsonschema:"minimum=0,maximum=10"`
}

func TestForTypeValidates(t *testing.T) {
	v, err := ForType("widget.json", &widget{}, Options{Title: "Widget"})
	require.NoError(t, err)

	assert.NoError(t, v.ValidateJSON([]byte(`{"name":"a","count":3}`)))
	assert.NoError(t, v.Validate(widget{Name: "b"}))

	err = v.ValidateJSON([]byte(`{"name":"a","count":11}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/count")

	err = v.ValidateJSON([]byte(`{"count":1}`))
	assert.Error(t, err)
}

func TestAdditionalProperties(t *testing.T) {
	strict, err := ForType("strict.json", &widget{}, Options{})
	require.NoError(t, err)
	assert.Error(t, strict.ValidateJSON([]byte(`{"name":"a","extra":true}`)))

	loose, err := ForType("loose.json", &widget{}, Options{AllowAdditionalProperties: true})
	require.NoError(t, err)
	assert.NoError(t, loose.ValidateJSON([]byte(`{"name":"a","extra":true}`)))
}

func TestValidateJSONRejectsGarbage(t *testing.T) {
	v, err := ForType("widget.json", &widget{}, Options{})
	require.NoError(t, err)
	assert.Error(t, v.ValidateJSON([]byte(`not json`)))
}
