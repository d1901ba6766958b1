// Package restaurants fetches the restaurant list of the reviews site and
// answers the queries its pages need.
//
// Fetches are futures: Fetch starts the request and returns immediately,
// Wait blocks for the single Result, which holds either the list or a typed error.
package restaurants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultURL is where the development server serves the data.
const DefaultURL = "http://localhost:8000/data/restaurants.json"

// All disables a filter in ByCuisineAndNeighborhood.
const All = "all"

var ErrNotFound = errors.New("restaurant does not exist")

// StatusError is the result of a fetch the server answered with a non-200 status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed, returned status of %d", e.StatusCode)
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Review struct {
	Name     string `json:"name"`
	Date     string `json:"date"`
	Rating   int    `json:"rating"`
	Comments string `json:"comments"`
}

type Restaurant struct {
	ID             int               `json:"id"`
	Name           string            `json:"name"`
	Neighborhood   string            `json:"neighborhood"`
	Photograph     string            `json:"photograph"`
	Address        string            `json:"address"`
	LatLng         LatLng            `json:"latlng"`
	CuisineType    string            `json:"cuisine_type"`
	OperatingHours map[string]string `json:"operating_hours"`
	Reviews        []Review          `json:"reviews"`
}

// Result is the outcome of a fetch: either Restaurants or Err is set.
type Result struct {
	Restaurants []Restaurant
	Err         error
}

// Future resolves exactly once.
type Future struct {
	done   chan struct{}
	result Result
}

// Wait blocks until the fetch completes or ctx is done.
func (f *Future) Wait(ctx context.Context) Result {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type Client struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// URL of the restaurants JSON document. Defaults to DefaultURL.
	URL string
}

// Fetch starts fetching all restaurants.
func (c *Client) Fetch(ctx context.Context) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		restaurants, err := c.fetch(ctx)
		f.result = Result{Restaurants: restaurants, Err: err}
	}()
	return f
}

func (c *Client) fetch(ctx context.Context) ([]Restaurant, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	u := c.URL
	if u == "" {
		u = DefaultURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	var doc struct {
		Restaurants []Restaurant `json:"restaurants"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", u, err)
	}
	return doc.Restaurants, nil
}

// ByID returns the restaurant with the given id.
func ByID(restaurants []Restaurant, id int) (Restaurant, error) {
	for _, r := range restaurants {
		if r.ID == id {
			return r, nil
		}
	}
	return Restaurant{}, fmt.Errorf("id %d: %w", id, ErrNotFound)
}

func ByCuisine(restaurants []Restaurant, cuisine string) []Restaurant {
	return filter(restaurants, func(r Restaurant) bool { return r.CuisineType == cuisine })
}

func ByNeighborhood(restaurants []Restaurant, neighborhood string) []Restaurant {
	return filter(restaurants, func(r Restaurant) bool { return r.Neighborhood == neighborhood })
}

// ByCuisineAndNeighborhood filters by both; All as either value disables that filter.
func ByCuisineAndNeighborhood(restaurants []Restaurant, cuisine, neighborhood string) []Restaurant {
	results := restaurants
	if cuisine != All {
		results = ByCuisine(results, cuisine)
	}
	if neighborhood != All {
		results = ByNeighborhood(results, neighborhood)
	}
	return results
}

// Neighborhoods returns every neighborhood once, in order of first appearance.
func Neighborhoods(restaurants []Restaurant) []string {
	return unique(restaurants, func(r Restaurant) string { return r.Neighborhood })
}

// Cuisines returns every cuisine once, in order of first appearance.
func Cuisines(restaurants []Restaurant) []string {
	return unique(restaurants, func(r Restaurant) string { return r.CuisineType })
}

// URLFor returns the detail page URL of a restaurant.
func URLFor(r Restaurant) string {
	return "./restaurant.html?id=" + strconv.Itoa(r.ID)
}

// ImageURLs returns the src (the small image) and srcset of a restaurant's photograph.
func ImageURLs(r Restaurant) (src, srcset string) {
	image := "/img/" + r.Photograph
	medium := addSuffixToFileName(image, "medium")
	small := addSuffixToFileName(image, "small")
	return small, medium + " 720w, " + small + " 360w"
}

// addSuffixToFileName inserts "-suffix" before the first dot of a file name.
// A leading dot (hidden file) gets no suffix.
func addSuffixToFileName(name, suffix string) string {
	i := strings.Index(name, ".")
	if i <= 0 {
		return name
	}
	return name[:i] + "-" + suffix + name[i:]
}

func filter(restaurants []Restaurant, keep func(Restaurant) bool) []Restaurant {
	results := make([]Restaurant, 0)
	for _, r := range restaurants {
		if keep(r) {
			results = append(results, r)
		}
	}
	return results
}

func unique(restaurants []Restaurant, field func(Restaurant) string) []string {
	seen := make(map[string]bool)
	values := make([]string, 0)
	for _, r := range restaurants {
		v := field(r)
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	return values
}
