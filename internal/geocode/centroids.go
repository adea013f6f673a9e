package geocode

import "github.com/rangerhq/ranger/internal/models"

// DefaultCentroids covers the McHenry County pilot region. Keys are
// NormalizePlace-normalized city names plus the county-level fallback.
var DefaultCentroids = map[string]models.Point{
	"crystal lake":      {Lat: 42.2411, Lon: -88.3162},
	"mchenry":           {Lat: 42.3336, Lon: -88.2668},
	"woodstock":         {Lat: 42.3147, Lon: -88.4487},
	"cary":              {Lat: 42.2120, Lon: -88.2378},
	"algonquin":         {Lat: 42.1656, Lon: -88.2945},
	"lake in the hills": {Lat: 42.1828, Lon: -88.3310},
	"huntley":           {Lat: 42.1681, Lon: -88.4281},
	"harvard":           {Lat: 42.4222, Lon: -88.6145},
	"marengo":           {Lat: 42.2495, Lon: -88.6084},
	"mchenry county":    {Lat: 42.3239, Lon: -88.4506},
}
