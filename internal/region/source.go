package region

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/waypoint/internal/breaker"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

const maxPayloadBytes = 32 << 20

// HTTPSource fetches the active region set from a remote endpoint. The body
// is either a JSON array of region records or an object with a "regions"
// array.
type HTTPSource struct {
	url     string
	client  *http.Client
	breaker *breaker.Breaker
	headers map[string]string
}

// NewHTTPSource creates a source for url. A nil client uses a client with a
// 30s timeout; a nil breaker disables circuit breaking.
func NewHTTPSource(url string, client *http.Client, cb *breaker.Breaker, headers map[string]string) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{url: url, client: client, breaker: cb, headers: headers}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) ([]model.Region, error) {
	var regions []model.Region
	call := func(ctx context.Context) error {
		var err error
		regions, err = s.fetch(ctx)
		return err
	}
	if s.breaker == nil {
		return regions, call(ctx)
	}
	if err := s.breaker.Do(ctx, call); err != nil {
		return nil, err
	}
	return regions, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]model.Region, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("region source: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, model.NewTransientNetworkError("region source unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewTransientNetworkError(
			fmt.Sprintf("region source returned HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, model.NewTransientNetworkError("read region payload", err)
	}
	return DecodeRegions(body)
}

// wireRegion is the remote record format. Polygon vertices are [lon, lat].
type wireRegion struct {
	ID        json.RawMessage `json:"id"`
	Name      string          `json:"name"`
	Center    *wirePoint      `json:"center"`
	RadiusKm  float64         `json:"radius_km"`
	Polygon   [][]float64     `json:"polygon"`
	Anchors   []wireAnchor    `json:"anchors"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

type wirePoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type wireAnchor struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
}

// DecodeRegions parses a region payload. It reports MALFORMED_INPUT for
// syntactically invalid JSON, malformed vertices or ids, and records that
// carry neither a polygon nor a center; the remaining validation is left to
// Build.
func DecodeRegions(body []byte) ([]model.Region, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, model.NewMalformedInputError("empty region payload", nil)
	}

	var records []wireRegion
	if body[0] == '[' {
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, model.NewMalformedInputError("decode region payload: "+err.Error(), nil)
		}
	} else {
		var envelope struct {
			Regions []wireRegion `json:"regions"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, model.NewMalformedInputError("decode region payload: "+err.Error(), nil)
		}
		records = envelope.Regions
	}

	regions := make([]model.Region, 0, len(records))
	for i, rec := range records {
		r, err := rec.toModel()
		if err != nil {
			return nil, model.NewMalformedInputError(fmt.Sprintf("regions[%d]: %v", i, err), nil)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

func (w wireRegion) toModel() (model.Region, error) {
	id, err := decodeID(w.ID)
	if err != nil {
		return model.Region{}, err
	}
	r := model.Region{ID: id, Name: w.Name, RadiusKm: w.RadiusKm}
	if w.Center != nil {
		r.Center = model.Coordinate{Lat: w.Center.Lat, Lon: w.Center.Lon}
	}
	for j, v := range w.Polygon {
		if len(v) != 2 {
			return model.Region{}, fmt.Errorf("polygon[%d]: want [lon, lat], got %d values", j, len(v))
		}
		r.Polygon = append(r.Polygon, model.Coordinate{Lat: v[1], Lon: v[0]})
	}
	if w.Center == nil && len(r.Polygon) == 0 {
		return model.Region{}, fmt.Errorf("center is required when polygon is absent")
	}
	for _, a := range w.Anchors {
		r.Anchors = append(r.Anchors, model.Anchor{
			Code:     a.Code,
			Name:     a.Name,
			Point:    model.Coordinate{Lat: a.Lat, Lon: a.Lon},
			RadiusKm: a.RadiusKm,
		})
	}
	if w.UpdatedAt != nil {
		r.UpdatedAt = *w.UpdatedAt
	}
	return r, nil
}

// decodeID accepts integer or string ids.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("id is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("id: %w", err)
		}
		return strings.TrimSpace(s), nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("id must be a string or integer, got %s", raw)
	}
	return strconv.FormatInt(n, 10), nil
}

// StaticSource serves a fixed region set.
type StaticSource []model.Region

// Fetch implements Source.
func (s StaticSource) Fetch(context.Context) ([]model.Region, error) {
	out := make([]model.Region, len(s))
	copy(out, s)
	return out, nil
}
