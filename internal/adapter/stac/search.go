package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	gostac "github.com/planetlabs/go-stac"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

const geoJSONType = "application/geo+json"

type searchBody struct {
	Collections []string  `json:"collections"`
	BBox        []float64 `json:"bbox"`
	Datetime    string    `json:"datetime"`
	Limit       int       `json:"limit"`
}

// searchLink is a STAC API link, which may carry a POST body for paging.
type searchLink struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Merge  bool            `json:"merge,omitempty"`
}

type searchPage struct {
	Features []*gostac.Item `json:"features"`
	Links    []searchLink   `json:"links"`
}

// rawAsset holds the file and projection extension fields of an asset.
type rawAsset struct {
	Size     int64           `json:"file:size"`
	Checksum string          `json:"file:checksum"`
	EPSG     json.RawMessage `json:"proj:epsg"`
}

type rawPage struct {
	Features []struct {
		Assets map[string]rawAsset `json:"assets"`
	} `json:"features"`
}

type pageRequest struct {
	method string
	url    string
	body   []byte
}

// Search returns the assets matching q, fetching result pages lazily as
// the sequence is consumed. A 404 or an empty first page yields an empty
// sequence. The first error ends the sequence.
func (c *Client) Search(ctx context.Context, q domain.CatalogQuery) iter.Seq2[domain.AssetDescriptor, error] {
	return func(yield func(domain.AssetDescriptor, error) bool) {
		if q.Collection == "" {
			q.Collection = c.cfg.Collection
		}
		if err := q.Validate(); err != nil {
			yield(domain.AssetDescriptor{}, err)
			return
		}
		collection := q.Collection
		body, err := json.Marshal(searchBody{
			Collections: []string{collection},
			BBox:        []float64{q.BBox.Min[0], q.BBox.Min[1], q.BBox.Max[0], q.BBox.Max[1]},
			Datetime:    q.Window.Interval(),
			Limit:       c.cfg.PageLimit,
		})
		if err != nil {
			yield(domain.AssetDescriptor{}, domain.E(domain.KindMalformedQuery, "stac search", err))
			return
		}

		next := &pageRequest{method: http.MethodPost, url: c.cfg.BaseURL + "/search", body: body}
		yielded := 0
		for pages := 1; next != nil; pages++ {
			page, raw, err := c.fetchPage(ctx, next)
			if err != nil {
				yield(domain.AssetDescriptor{}, err)
				return
			}
			if page == nil || len(page.Features) == 0 {
				return
			}
			for i, item := range page.Features {
				var assets map[string]rawAsset
				if i < len(raw.Features) {
					assets = raw.Features[i].Assets
				}
				desc, ok := c.describe(item, assets, collection)
				if !ok {
					continue
				}
				if c.cfg.CloudCoverMax >= 0 && desc.CloudCover != nil && *desc.CloudCover > c.cfg.CloudCoverMax {
					c.logger.Debug("dropping cloudy item", "asset_id", desc.ID, "cloud_cover", *desc.CloudCover)
					continue
				}
				if !yield(desc, nil) {
					return
				}
				yielded++
				if c.cfg.MaxItems > 0 && yielded >= c.cfg.MaxItems {
					return
				}
			}
			next = nextPage(page.Links, next)
			c.logger.Debug("stac page", "page", pages, "items", len(page.Features), "has_next", next != nil)
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, pr *pageRequest) (*searchPage, *rawPage, error) {
	const op = "stac search"
	resp, err := c.do(ctx, op, c.cfg.RequestTimeout, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if pr.body != nil {
			body = bytes.NewReader(pr.body)
		}
		req, err := http.NewRequestWithContext(ctx, pr.method, pr.url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", geoJSONType)
		if pr.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.metrics.CatalogRequests.WithLabelValues("not_found").Inc()
		return nil, nil, nil
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, domain.Errorf(domain.KindMalformedQuery, op, "catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	case resp.StatusCode != http.StatusOK:
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, nil, domain.Errorf(domain.KindTransient, op, "catalog returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, nil, domain.E(domain.KindTransient, op, err)
	}
	var page searchPage
	if err := json.Unmarshal(data, &page); err != nil {
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, nil, domain.E(domain.KindTransient, op, fmt.Errorf("decode item collection: %w", err))
	}
	var raw rawPage
	if err := json.Unmarshal(data, &raw); err != nil {
		c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		return nil, nil, domain.E(domain.KindTransient, op, fmt.Errorf("decode assets: %w", err))
	}
	c.metrics.CatalogRequests.WithLabelValues("success").Inc()
	return &page, &raw, nil
}

// nextPage follows the "next" link. A POST link without a body reuses the
// previous body; merge applies the link body over it.
func nextPage(links []searchLink, prev *pageRequest) *pageRequest {
	for _, l := range links {
		if l.Rel != "next" || l.Href == "" {
			continue
		}
		method := strings.ToUpper(l.Method)
		if method == "" {
			method = http.MethodGet
		}
		next := &pageRequest{method: method, url: l.Href}
		if method == http.MethodPost {
			next.body = prev.body
			if len(l.Body) > 0 {
				next.body = mergeBody(prev.body, l.Body, l.Merge)
			}
		}
		if next.method == prev.method && next.url == prev.url && bytes.Equal(next.body, prev.body) {
			return nil
		}
		return next
	}
	return nil
}

func mergeBody(prev, link json.RawMessage, merge bool) []byte {
	if !merge {
		return link
	}
	base := map[string]json.RawMessage{}
	over := map[string]json.RawMessage{}
	if json.Unmarshal(prev, &base) != nil || json.Unmarshal(link, &over) != nil {
		return link
	}
	for k, v := range over {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return link
	}
	return out
}

// describe converts an item into a descriptor. Items without a usable
// raster asset or acquisition time are logged and skipped.
func (c *Client) describe(item *gostac.Item, raw map[string]rawAsset, collection string) (domain.AssetDescriptor, bool) {
	if item == nil || item.Id == "" {
		c.logger.Warn("skipping item without id")
		return domain.AssetDescriptor{}, false
	}
	log := c.logger.With("asset_id", item.Id)

	key, asset := pickAsset(item.Assets, c.cfg.AssetKeys)
	if asset == nil || asset.Href == "" {
		log.Warn("skipping item without raster asset", "keys", c.cfg.AssetKeys)
		return domain.AssetDescriptor{}, false
	}
	acquired, ok := itemTime(item.Properties)
	if !ok {
		log.Warn("skipping item without datetime")
		return domain.AssetDescriptor{}, false
	}

	desc := domain.AssetDescriptor{
		ID:         item.Id,
		Collection: item.Collection,
		AcquiredAt: acquired,
		CRS:        epsg(item.Properties["proj:epsg"]),
		Href:       asset.Href,
		MediaType:  asset.Type,
	}
	if desc.Collection == "" {
		desc.Collection = collection
	}
	if len(item.Bbox) >= 4 {
		n := len(item.Bbox) / 2
		desc.Footprint = orb.Bound{
			Min: orb.Point{item.Bbox[0], item.Bbox[1]},
			Max: orb.Point{item.Bbox[n], item.Bbox[n+1]},
		}
	}
	if cc, ok := number(item.Properties["eo:cloud_cover"]); ok {
		desc.CloudCover = &cc
	}
	if ra, ok := raw[key]; ok {
		desc.Size = ra.Size
		if len(ra.EPSG) > 0 {
			var v any
			if json.Unmarshal(ra.EPSG, &v) == nil {
				if crs := epsg(v); crs != geo.Unknown {
					desc.CRS = crs
				}
			}
		}
		if ra.Checksum != "" {
			sum, err := ParseChecksum(ra.Checksum)
			if err != nil {
				log.Warn("ignoring unparseable checksum", "checksum", ra.Checksum, "error", err)
			} else {
				desc.Checksum = sum
			}
		}
	}
	return desc, true
}

func pickAsset(assets map[string]*gostac.Asset, keys []string) (string, *gostac.Asset) {
	for _, k := range keys {
		if a, ok := assets[k]; ok && a != nil {
			return k, a
		}
	}
	return "", nil
}

func itemTime(props map[string]any) (time.Time, bool) {
	for _, key := range []string{"datetime", "start_datetime"} {
		s, ok := props[key].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// epsg reads proj:epsg given as a number or an "EPSG:n" string.
func epsg(v any) geo.CRS {
	if n, ok := number(v); ok {
		return geo.CRS(int(n))
	}
	if s, ok := v.(string); ok {
		if crs, err := geo.ParseCRS(s); err == nil {
			return crs
		}
	}
	return geo.Unknown
}
