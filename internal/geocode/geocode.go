// Package geocode resolves text addresses to coordinates using a three-tier
// strategy: parcel lookup, block interpolation against street centerlines,
// and city/region centroid fallback. A coarse location is more useful than
// none; the resolution tier travels with the result so callers can filter.
package geocode

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/geo"
	"github.com/rangerhq/ranger/internal/models"
)

// Tier confidences. Non-increasing in the order parcel, block, centroid,
// unknown.
const (
	ParcelConfidence   = 0.95
	BlockConfidence    = 0.70
	CentroidConfidence = 0.30
)

// Result is a resolved location with its tier and confidence.
type Result struct {
	Point      *models.Point
	Resolution models.Resolution
	Confidence float64
}

// Query is the input to a geocode attempt.
type Query struct {
	Address string
	City    string
	Region  string
}

// ParcelClient resolves a full street address to rooftop coordinates via an
// external service.
type ParcelClient interface {
	Lookup(ctx context.Context, address, city string) (*models.Point, error)
}

// CenterlineSource finds candidate street centerlines for block
// interpolation.
type CenterlineSource interface {
	FindCenterlines(ctx context.Context, region, street string, blockNumber int) ([]models.StreetCenterline, error)
}

// Geocoder applies the three tiers in order; the first tier that yields a
// match wins.
type Geocoder struct {
	parcel      ParcelClient
	centerlines CenterlineSource
	centroids   map[string]models.Point
}

// New creates a geocoder. parcel may be nil (tier 1 disabled, e.g. no API
// key configured); centroids defaults to the built-in regional table.
func New(parcel ParcelClient, centerlines CenterlineSource, centroids map[string]models.Point) *Geocoder {
	if centroids == nil {
		centroids = DefaultCentroids
	}
	return &Geocoder{parcel: parcel, centerlines: centerlines, centroids: centroids}
}

var blockRe = regexp.MustCompile(`(?i)^\s*(\d+)\s+block\s+(?:of\s+)?(.+)$`)

// streetTypeTokens are trailing street-type words stripped before matching
// centerline names.
var streetTypeTokens = map[string]bool{
	"st": true, "street": true,
	"ave": true, "avenue": true,
	"rd": true, "road": true,
	"dr": true, "drive": true,
	"ln": true, "lane": true,
	"ct": true, "court": true,
	"blvd": true, "boulevard": true,
}

// Geocode resolves a query. It never returns an error for a miss: the
// unknown tier with nil point is the miss signal, and the record is stored
// regardless.
func (g *Geocoder) Geocode(ctx context.Context, q Query) Result {
	address := strings.TrimSpace(q.Address)
	block, street, isBlock := parseBlockAddress(address)

	// Tier 1: parcel lookup. Block addresses are ranges, not parcels;
	// sending them to the parcel service wastes quota on guaranteed misses.
	if address != "" && !isBlock && g.parcel != nil {
		point, err := g.parcel.Lookup(ctx, address, q.City)
		if err != nil {
			log.Debug().Err(err).Str("address", address).Msg("parcel lookup failed")
		} else if point != nil {
			return Result{Point: point, Resolution: models.ResolutionParcel, Confidence: ParcelConfidence}
		}
	}

	// Tier 2: block interpolation against street centerlines.
	if isBlock && g.centerlines != nil {
		if point := g.interpolateBlock(ctx, q.Region, street, block); point != nil {
			return Result{Point: point, Resolution: models.ResolutionBlock, Confidence: BlockConfidence}
		}
	}

	// Tier 3: city or region centroid.
	if point := g.centroid(q.City, q.Region); point != nil {
		return Result{Point: point, Resolution: models.ResolutionCentroid, Confidence: CentroidConfidence}
	}

	return Result{Resolution: models.ResolutionUnknown, Confidence: 0}
}

func (g *Geocoder) interpolateBlock(ctx context.Context, region, street string, block int) *models.Point {
	lines, err := g.centerlines.FindCenterlines(ctx, region, street, block)
	if err != nil {
		log.Debug().Err(err).Str("street", street).Int("block", block).Msg("centerline query failed")
		return nil
	}
	if len(lines) == 0 {
		return nil
	}
	mid := geo.Midpoint(lines[0].Geometry)
	return &mid
}

func (g *Geocoder) centroid(city, region string) *models.Point {
	if city != "" {
		if p, ok := g.centroids[NormalizePlace(city)]; ok {
			return &p
		}
	}
	if p, ok := g.centroids[NormalizePlace(region)]; ok {
		return &p
	}
	return nil
}

// parseBlockAddress matches "<number> block (of) <street>" and returns the
// block number and the normalized street name with trailing type tokens
// stripped.
func parseBlockAddress(address string) (block int, street string, ok bool) {
	m := blockRe.FindStringSubmatch(address)
	if m == nil {
		return 0, "", false
	}
	block, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	street = NormalizeStreet(m[2])
	if street == "" {
		return 0, "", false
	}
	return block, street, true
}

// NormalizeStreet uppercases a street name and strips trailing street-type
// tokens so "N Main St" matches a centerline named "N MAIN ST" or "N MAIN".
func NormalizeStreet(name string) string {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(name)))
	for len(fields) > 0 && streetTypeTokens[strings.ToLower(fields[len(fields)-1])] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// NormalizePlace lowercases a city or region tag for centroid lookup;
// underscores are treated as spaces so "mchenry_county" matches
// "mchenry county".
func NormalizePlace(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "_", " ")))
}
