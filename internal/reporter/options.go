package reporter

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"slackpush/internal/slack"
)

// DefaultHost is prepended to a bare "/services/..." endpoint when no
// host_url is configured.
const DefaultHost = "https://hooks.slack.com"

const defaultTimeout = 10 * time.Second

var validate = validator.New()

// Options configure one reporter instance.
//
// The zero value has IncludeAttachments off; use DefaultOptions or
// ParseOptions to get the documented defaults.
type Options struct {
	Endpoint           string
	Channel            string
	Username           string
	IncludeAttachments bool
	Verbose            bool

	// Deprecated: HostURL is the legacy split-URL mode. The endpoint is then
	// a path appended to it.
	HostURL string

	// PostPerSourceStamp sends the payload once for every source stamp that
	// has a revision instead of once per event.
	PostPerSourceStamp bool
	Timeout            time.Duration
}

func DefaultOptions() Options {
	return Options{IncludeAttachments: true, Timeout: defaultTimeout}
}

// ParseOptions leniently decodes a raw option map. Wrongly typed values are
// coerced where possible and reported as warnings. Only a missing endpoint
// is an error.
func ParseOptions(raw map[string]any) (Options, []ConfigWarning, error) {
	o := DefaultOptions()
	var warns []ConfigWarning

	str := func(key string) string {
		v, ok := raw[key]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			warns = append(warns, ConfigWarning{Field: key, Msg: fmt.Sprintf("%s must be a string, got %T", key, v)})
			s = fmt.Sprint(v)
		}
		return strings.TrimSpace(s)
	}
	boolean := func(key string, def bool) bool {
		v, ok := raw[key]
		if !ok || v == nil {
			return def
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if p, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				warns = append(warns, ConfigWarning{Field: key, Msg: key + " should be a boolean, not a string"})
				return p
			}
		}
		warns = append(warns, ConfigWarning{Field: key, Msg: fmt.Sprintf("%s must be a boolean, got %v; using %t", key, v, def)})
		return def
	}

	known := map[string]struct{}{}
	for _, k := range []string{"endpoint", "channel", "username", "attachments", "include_attachments", "verbose", "host_url", "post_per_sourcestamp", "timeout"} {
		known[k] = struct{}{}
	}
	unknown := make([]string, 0)
	for k := range raw {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		warns = append(warns, ConfigWarning{Field: k, Msg: "unknown option ignored"})
	}

	o.Endpoint = str("endpoint")
	o.Channel = str("channel")
	o.Username = str("username")
	o.HostURL = str("host_url")
	o.Verbose = boolean("verbose", false)
	o.PostPerSourceStamp = boolean("post_per_sourcestamp", false)

	_, hasA := raw["attachments"]
	_, hasIA := raw["include_attachments"]
	switch {
	case hasA && hasIA:
		o.IncludeAttachments = boolean("include_attachments", true)
		warns = append(warns, ConfigWarning{Field: "attachments", Msg: "both attachments and include_attachments set; using include_attachments"})
	case hasIA:
		o.IncludeAttachments = boolean("include_attachments", true)
	case hasA:
		o.IncludeAttachments = boolean("attachments", true)
	}

	if v, ok := raw["timeout"]; ok && v != nil {
		d, err := parseTimeout(v)
		if err != nil || d <= 0 {
			warns = append(warns, ConfigWarning{Field: "timeout", Msg: fmt.Sprintf("invalid timeout %v; using %s", v, defaultTimeout)})
		} else {
			o.Timeout = d
		}
	}

	if o.Endpoint == "" {
		return o, warns, &ConfigError{Field: "endpoint", Msg: "endpoint is required"}
	}
	return o, warns, nil
}

func parseTimeout(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		return time.ParseDuration(strings.TrimSpace(t))
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case time.Duration:
		return t, nil
	default:
		return 0, fmt.Errorf("unsupported timeout type %T", v)
	}
}

// snapshot is the resolved, immutable form of Options used by Dispatch.
type snapshot struct {
	endpoint     string
	format       slack.Options
	verbose      bool
	perStamp     bool
	timeout      time.Duration
	displayedURL string
}

// resolve turns Options into a snapshot, resolving the legacy host/endpoint
// split into a single URL.
func resolve(o Options) (*snapshot, []ConfigWarning, error) {
	var warns []ConfigWarning
	endpoint := strings.TrimSpace(o.Endpoint)
	if endpoint == "" {
		return nil, nil, &ConfigError{Field: "endpoint", Msg: "endpoint is required"}
	}

	host := strings.TrimSpace(o.HostURL)
	absolute := strings.Contains(endpoint, "://")
	full := endpoint
	switch {
	case host != "" && absolute:
		warns = append(warns, ConfigWarning{Field: "host_url", Msg: "host_url is deprecated and ignored because endpoint is an absolute URL"})
	case host != "":
		warns = append(warns, ConfigWarning{Field: "host_url", Msg: "host_url is deprecated; put the full webhook URL in endpoint"})
		if !strings.HasPrefix(endpoint, "/") {
			warns = append(warns, ConfigWarning{Field: "endpoint", Msg: `endpoint should start with "/" when host_url is set`})
			endpoint = "/" + endpoint
		}
		full = strings.TrimRight(host, "/") + endpoint
	case strings.HasPrefix(endpoint, "/"):
		warns = append(warns, ConfigWarning{Field: "endpoint", Msg: "endpoint is a path; resolving against " + DefaultHost})
		full = DefaultHost + endpoint
	}

	if err := validate.Var(full, "required,url"); err != nil || !(strings.HasPrefix(full, "http://") || strings.HasPrefix(full, "https://")) {
		warns = append(warns, ConfigWarning{Field: "endpoint", Msg: fmt.Sprintf("endpoint %q is not an absolute http(s) URL", redactURL(full))})
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &snapshot{
		endpoint: full,
		format: slack.Options{
			IncludeAttachments: o.IncludeAttachments,
			Channel:            strings.TrimSpace(o.Channel),
			Username:           strings.TrimSpace(o.Username),
		},
		verbose:      o.Verbose,
		perStamp:     o.PostPerSourceStamp,
		timeout:      timeout,
		displayedURL: redactURL(full),
	}, warns, nil
}

// redactURL keeps scheme, host and the first path segment. Webhook URLs
// carry their secret in the path.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	out := u.Scheme + "://" + u.Host
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) > 0 && segs[0] != "" {
		out += "/" + segs[0]
		if len(segs) > 1 {
			out += "/***"
		}
	}
	return out
}
