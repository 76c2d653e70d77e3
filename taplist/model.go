package taplist

// Beer mirrors the beers table of the display database. Date fields are ISO
// 8601 strings, as the admin interface writes them.
type Beer struct {
	ID              int64
	Name            string
	ABV             float64
	IBU             float64
	Color           float64
	OriginalGravity float64
	FinalGravity    float64
	Description     string
	Brewed          string
	Kegged          string
	Tapped          string
	Notes           string
}

// RowMap returns the canonical column map used as a change-entry payload.
func (b Beer) RowMap() map[string]interface{} {
	return map[string]interface{}{
		"idBeer":          b.ID,
		"Name":            b.Name,
		"ABV":             b.ABV,
		"IBU":             b.IBU,
		"Color":           b.Color,
		"OriginalGravity": b.OriginalGravity,
		"FinalGravity":    b.FinalGravity,
		"Description":     b.Description,
		"Brewed":          b.Brewed,
		"Kegged":          b.Kegged,
		"Tapped":          b.Tapped,
		"Notes":           b.Notes,
	}
}

// Tap mirrors the taps table: which beer is connected to which tap number.
// BeerID zero means the tap is empty.
type Tap struct {
	ID     int64
	BeerID int64
}

// RowMap returns the canonical column map used as a change-entry payload.
func (t Tap) RowMap() map[string]interface{} {
	return map[string]interface{}{
		"idTap":  t.ID,
		"idBeer": t.BeerID,
	}
}
