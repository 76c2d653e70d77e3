package csvimport

import (
	"testing"

	"github.com/gocarina/gocsv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeerRecord_Parse(t *testing.T) {
	t.Parallel()
	// --- given ---
	data := `Name,ABV,IBU,Color,OriginalGravity,FinalGravity,Description,Brewed,Kegged,Tapped,Notes
Helles,4.9,18,4.2,1.048,1.010,Crisp lager,2026-05-01,2026-05-20,2026-06-01,
Stout,6.5,40,39,1.060,1.014,Roasty,2026-04-12,2026-05-02,,
`

	// --- when ---
	var records []beerRecord
	require.NoError(t, gocsv.UnmarshalString(data, &records))

	// --- then ---
	require.Len(t, records, 2)
	b := records[0].beer()
	assert.Equal(t, "Helles", b.Name)
	assert.InDelta(t, 4.9, b.ABV, 1e-9)
	assert.InDelta(t, 18, b.IBU, 1e-9)
	assert.Equal(t, "Crisp lager", b.Description)
	assert.Equal(t, "2026-06-01", b.Tapped)
	assert.Zero(t, b.ID)

	assert.Equal(t, "Stout", records[1].beer().Name)
	assert.Empty(t, records[1].beer().Tapped)
}
