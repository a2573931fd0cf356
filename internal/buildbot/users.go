package buildbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
)

// UsersFetcher returns the users responsible for a build (change authors, owners).
type UsersFetcher interface {
	ResponsibleUsers(ctx context.Context, buildID int64) ([]string, error)
}

// UsersFunc adapts a plain function to UsersFetcher.
type UsersFunc func(ctx context.Context, buildID int64) ([]string, error)

func (f UsersFunc) ResponsibleUsers(ctx context.Context, buildID int64) ([]string, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx, buildID)
}

type APIConfig struct {
	// BaseURL is the master's web root, e.g. "https://ci.example.org/".
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// APIClient resolves responsible users through Buildbot's REST data API.
// Lookups are cached per build id; it is safe for concurrent use.
type APIClient struct {
	base   string
	token  string
	client *http.Client
	cache  *cache.Cache
}

func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("buildbot api url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("buildbot api url must be absolute: %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &APIClient{
		base:   base,
		token:  strings.TrimSpace(cfg.Token),
		client: &http.Client{Timeout: timeout},
		cache:  cache.New(ttl, 2*ttl),
	}, nil
}

func (c *APIClient) ResponsibleUsers(ctx context.Context, buildID int64) ([]string, error) {
	key := strconv.FormatInt(buildID, 10)
	if v, ok := c.cache.Get(key); ok {
		if users, ok := v.([]string); ok {
			return append([]string(nil), users...), nil
		}
	}

	seen := map[string]struct{}{}

	changes, err := c.get(ctx, fmt.Sprintf("/api/v2/builds/%d/changes", buildID))
	if err != nil {
		return nil, err
	}
	changes.Get("changes.#.author").ForEach(func(_, v gjson.Result) bool {
		addUser(seen, v.String())
		return true
	})

	props, err := c.get(ctx, fmt.Sprintf("/api/v2/builds/%d/properties", buildID))
	if err != nil {
		return nil, err
	}
	// properties: [{"owner": ["bob", "Force Build Form"], "owners": [["a","b"], "src"]}]
	if owner := props.Get("properties.0.owner.0"); owner.Type == gjson.String {
		addUser(seen, owner.String())
	}
	props.Get("properties.0.owners.0").ForEach(func(_, v gjson.Result) bool {
		addUser(seen, v.String())
		return true
	})

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)

	c.cache.SetDefault(key, users)
	return append([]string(nil), users...), nil
}

func (c *APIClient) get(ctx context.Context, path string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, http.NoBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build buildbot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("buildbot api %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("buildbot api %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("buildbot api %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("buildbot api %s: invalid json", path)
	}
	return gjson.ParseBytes(body), nil
}

func addUser(seen map[string]struct{}, u string) {
	u = strings.TrimSpace(u)
	if u == "" {
		return
	}
	seen[u] = struct{}{}
}
