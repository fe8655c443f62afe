package report

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/PrInvert-go/basis"
	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
)

func fixture(t *testing.T) (*inversion.Result, models.Dataset) {
	t.Helper()
	f, err := basis.NewFamily(100)
	require.NoError(t, err)
	c := []float64{1, -0.5, 0.2}
	q := make([]float64, 30)
	floats.LogSpan(q, 0.005, 0.2)
	ds := models.Dataset{Q: q, I: make([]float64, len(q)), Sigma: make([]float64, len(q))}
	for k, qk := range q {
		ds.I[k] = floats.Dot(f.TransformVector(qk, make([]float64, 3)), c)
		ds.Sigma[k] = 1
	}
	iv := inversion.New()
	require.NoError(t, iv.SetData(ds))
	require.NoError(t, iv.SetConfig(models.Config{Dmax: 100, NTerms: 3, Alpha: 1e-3}))
	res, err := iv.Invert()
	require.NoError(t, err)
	return res, ds
}

func TestPrPlotWritesPNG(t *testing.T) {
	res, _ := fixture(t)
	p, err := PrPlot(res, 50)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePNG(p, &buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
}

func TestIqPlotSavesFile(t *testing.T) {
	res, ds := fixture(t)
	p, err := IqPlot(res, &ds)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "iq.png")
	require.NoError(t, Save(p, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	ds.QMin = models.Float(1)
	_, err = IqPlot(res, &ds)
	assert.ErrorIs(t, err, models.ErrInvalidData)
}
