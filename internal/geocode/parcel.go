package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// minParcelAccuracy is the lowest accuracy score accepted from the parcel
// service; below it the block and centroid tiers produce a more honest result.
const minParcelAccuracy = 0.8

// GeocodioClient implements ParcelClient against the Geocodio HTTP API.
type GeocodioClient struct {
	apiKey  string
	baseURL string
	state   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewGeocodioClient creates a parcel geocoder client. limiter may be nil.
func NewGeocodioClient(apiKey, baseURL, state string, timeout time.Duration, limiter *rate.Limiter) *GeocodioClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if state == "" {
		state = "IL"
	}
	return &GeocodioClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		state:   state,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type geocodioResponse struct {
	Results []struct {
		Accuracy float64 `json:"accuracy"`
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"results"`
}

// Lookup resolves a full street address. A nil point with nil error means
// the service answered but had no sufficiently accurate match.
func (c *GeocodioClient) Lookup(ctx context.Context, address, city string) (*models.Point, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	full := address + ", " + c.state
	if city != "" {
		full = address + ", " + city + ", " + c.state
	}

	u := c.baseURL + "?" + url.Values{
		"q":       []string{full},
		"api_key": []string{c.apiKey},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, rangererrors.WrapConnection("parcel_lookup", "geocodio", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rangererrors.WrapConnection("parcel_lookup", "geocodio", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rangererrors.New(rangererrors.ErrorTypeGeocode, "parcel_lookup", "geocodio",
			fmt.Errorf("status %d: %s", resp.StatusCode, body)).WithStatusCode(resp.StatusCode)
	}

	var parsed geocodioResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, rangererrors.WrapParse("parcel_lookup", "geocodio", err)
	}
	if len(parsed.Results) == 0 || parsed.Results[0].Accuracy < minParcelAccuracy {
		return nil, nil
	}
	return &models.Point{
		Lat: parsed.Results[0].Location.Lat,
		Lon: parsed.Results[0].Location.Lng,
	}, nil
}
