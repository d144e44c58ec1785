package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/memoir/internal/provider"
)

const (
	algoliaService = "algolia"
	algoliaTimeout = 15 * time.Second
	hitsPerPage    = 50
)

var retrievedAttributes = []string{"objectID", "text", "tags"}

// Algolia is an Index backed by the Algolia REST API.
type Algolia struct {
	appID      string
	apiKey     string
	index      string
	writeURL   string
	readURL    string
	httpClient *http.Client
}

type AlgoliaOption func(*Algolia)

// WithBaseURL sends both reads and writes to baseURL (for tests and proxies).
func WithBaseURL(baseURL string) AlgoliaOption {
	return func(a *Algolia) {
		a.writeURL = strings.TrimRight(baseURL, "/")
		a.readURL = a.writeURL
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) AlgoliaOption {
	return func(a *Algolia) { a.httpClient = c }
}

// NewAlgolia creates a client for one index of the given application.
func NewAlgolia(appID, apiKey, index string, opts ...AlgoliaOption) *Algolia {
	a := &Algolia{
		appID:      appID,
		apiKey:     apiKey,
		index:      index,
		writeURL:   "https://" + appID + ".algolia.net",
		readURL:    "https://" + appID + "-dsn.algolia.net",
		httpClient: &http.Client{Timeout: algoliaTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Algolia) Configure(ctx context.Context) error {
	return a.do(ctx, "configure", http.MethodPut, a.writeURL, "/settings", DefaultSettings(), nil)
}

func (a *Algolia) IndexEntry(ctx context.Context, r Record) error {
	if r.ObjectID == "" {
		return fmt.Errorf("indexing record: empty objectID")
	}
	return a.do(ctx, "index", http.MethodPut, a.writeURL, "/"+url.PathEscape(r.ObjectID), r, nil)
}

func (a *Algolia) DeleteEntry(ctx context.Context, id string) error {
	err := a.do(ctx, "delete", http.MethodDelete, a.writeURL, "/"+url.PathEscape(id), nil, nil)
	if pe, ok := err.(*provider.Error); ok && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// searchRequest uses the URL-encoded "params" form of the query API.
type searchRequest struct {
	Params string `json:"params"`
}

type searchResponse struct {
	Hits   []searchHit `json:"hits"`
	NbHits int         `json:"nbHits"`
}

type searchHit struct {
	ObjectID string `json:"objectID"`
	Text     string `json:"text"`
	Tags     string `json:"tags"`
}

func (a *Algolia) Search(ctx context.Context, query, username string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	var resp searchResponse
	req := searchRequest{Params: searchParams(query, username).Encode()}
	if err := a.do(ctx, "search", http.MethodPost, a.readURL, "/query", req, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		if h.ObjectID == "" {
			return nil, provider.Malformed(algoliaService, "search", "hit without objectID")
		}
		ids = append(ids, h.ObjectID)
	}
	return ids, nil
}

func searchParams(query, username string) url.Values {
	attrs, _ := json.Marshal(retrievedAttributes)
	v := url.Values{}
	v.Set("query", query)
	v.Set("filters", UserFilter(username))
	v.Set("attributesToRetrieve", string(attrs))
	v.Set("typoTolerance", "strict")
	v.Set("removeStopWords", "true")
	v.Set("queryLanguages", `["en"]`)
	v.Set("hitsPerPage", strconv.Itoa(hitsPerPage))
	return v
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// UserFilter is the filter expression restricting results to username. The
// value is quoted so a crafted username cannot widen the filter.
func UserFilter(username string) string {
	return `username:"` + filterEscaper.Replace(Normalize(username)) + `"`
}

func (a *Algolia) do(ctx context.Context, op, method, base, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	endpoint := base + "/1/indexes/" + url.PathEscape(a.index) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Algolia-Application-Id", a.appID)
	req.Header.Set("X-Algolia-API-Key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.Wrap(algoliaService, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.FromResponse(algoliaService, op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Malformed(algoliaService, op, "%v", err)
	}
	return nil
}
