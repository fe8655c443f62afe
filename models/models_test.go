package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/CK6170/PrInvert-go/basis"
)

func TestDatasetValidate(t *testing.T) {
	ok := Dataset{Q: []float64{0.1, 0.2}, I: []float64{1, 2}, Sigma: []float64{0.1, 0.1}}
	require.NoError(t, ok.Validate())

	cases := map[string]Dataset{
		"empty":      {},
		"lengths":    {Q: []float64{0.1, 0.2}, I: []float64{1}, Sigma: []float64{1, 1}},
		"nan":        {Q: []float64{0.1}, I: []float64{math.NaN()}, Sigma: []float64{1}},
		"inf sigma":  {Q: []float64{0.1}, I: []float64{1}, Sigma: []float64{math.Inf(1)}},
		"bad window": {Q: []float64{0.1}, I: []float64{1}, Sigma: []float64{1}, QMin: Float(0.3), QMax: Float(0.2)},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, d.Validate(), ErrInvalidData)
		})
	}
}

func TestDatasetActiveWindow(t *testing.T) {
	d := Dataset{
		Q:     []float64{0.01, 0.02, 0.03, 0.04},
		I:     []float64{4, 3, 2, 1},
		Sigma: []float64{1, 1, 1, 1},
		QMin:  Float(0.02),
		QMax:  Float(0.03),
	}
	q, i, s := d.Active()
	assert.Equal(t, []float64{0.02, 0.03}, q)
	assert.Equal(t, []float64{3, 2}, i)
	assert.Equal(t, []float64{1, 1}, s)
	assert.Len(t, d.Q, 4, "points outside the window are kept")

	d.QMin, d.QMax = nil, nil
	q, _, _ = d.Active()
	assert.Len(t, q, 4)
}

func TestDatasetCloneIsDeep(t *testing.T) {
	d := Dataset{Q: []float64{0.1}, I: []float64{1}, Sigma: []float64{1}, QMin: Float(0.05)}
	c := d.Clone()
	c.Q[0] = 9
	*c.QMin = 1
	assert.Equal(t, 0.1, d.Q[0])
	assert.Equal(t, 0.05, *d.QMin)
}

func TestConfigValidate(t *testing.T) {
	good := Config{Dmax: 100, Alpha: 1e-4, NTerms: 10}
	require.NoError(t, good.Validate())

	bad := map[string]Config{
		"zero dmax":      {Dmax: 0, NTerms: 5},
		"negative dmax":  {Dmax: -1, NTerms: 5},
		"negative alpha": {Dmax: 100, Alpha: -1, NTerms: 5},
		"zero terms":     {Dmax: 100, NTerms: 0},
		"too many terms": {Dmax: 100, NTerms: MaxTerms + 1},
		"slit height":    {Dmax: 100, NTerms: 5, SlitHeight: -0.1},
		"slit width":     {Dmax: 100, NTerms: 5, SlitWidth: math.NaN()},
		"slit points":    {Dmax: 100, NTerms: 5, SlitPoints: 1},
	}
	for name, c := range bad {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, c.Validate(), ErrConfiguration)
		})
	}
}

func TestConfigSmearingAndParameters(t *testing.T) {
	c := Config{Dmax: 100, NTerms: 8}
	assert.Equal(t, basis.NoSmearing{}, c.Smearing())
	assert.Equal(t, 8, c.Parameters())

	c.SlitHeight = 0.05
	c.EstimateBackground = true
	assert.Equal(t, basis.SlitSmearing{Height: 0.05}, c.Smearing())
	assert.Equal(t, 9, c.Parameters())
}

func TestSearchSpecValidate(t *testing.T) {
	require.NoError(t, SearchSpec{OscillationTarget: 1.5}.Validate())
	require.NoError(t, SearchSpec{OscillationTarget: 1.5, NTermsMin: 5, NTermsMax: 12, AlphaMin: 1e-6, AlphaMax: 1}.Validate())

	for name, s := range map[string]SearchSpec{
		"no target":     {},
		"terms order":   {OscillationTarget: 1, NTermsMin: 10, NTermsMax: 5},
		"alpha order":   {OscillationTarget: 1, AlphaMin: 1, AlphaMax: 0.1},
		"neg budget":    {OscillationTarget: 1, Budget: -1},
		"neg tolerance": {OscillationTarget: 1, Tolerance: -0.1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Validate(), ErrConfiguration)
		})
	}
}

func TestJobDecodesFromYAMLAndJSON(t *testing.T) {
	doc := `
name: sphere
data:
  q: [0.01, 0.02, 0.03]
  i: [10, 8, 5]
  sigma: [0.1, 0.1, 0.1]
  qmin: 0.015
config:
  dmax: 120
  alpha: 0.001
  nterms: 2
search:
  oscillation_target: 1.5
  nterms_max: 3
`
	var fromYAML Job
	require.NoError(t, yaml.Unmarshal([]byte(doc), &fromYAML))
	require.NoError(t, fromYAML.Validate())
	assert.Equal(t, "sphere", fromYAML.Name)
	assert.Equal(t, 0.015, *fromYAML.Data.QMin)
	assert.Nil(t, fromYAML.Data.QMax)
	assert.Equal(t, 120.0, fromYAML.Config.Dmax)
	require.NotNil(t, fromYAML.Search)
	assert.Equal(t, 3, fromYAML.Search.NTermsMax)

	raw, err := json.Marshal(fromYAML)
	require.NoError(t, err)
	var fromJSON Job
	require.NoError(t, json.Unmarshal(raw, &fromJSON))
	assert.Equal(t, fromYAML, fromJSON)
}
