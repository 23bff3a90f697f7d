package transport

import (
	"fmt"
	"net/url"
	"strings"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// Endpoint is a parsed transport URL. Unlike net/url it accepts a comma
// separated host list, as in "kafka://b1:9092,b2:9092".
type Endpoint struct {
	Scheme   string
	User     string
	Password string
	Hosts    []string
	Path     string
	Query    url.Values
}

// ParseEndpoint splits a transport URL into its parts.
func ParseEndpoint(raw string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return Endpoint{}, errspkg.NewConfigurationError(fmt.Errorf("transport url %q has no scheme", raw))
	}

	ep := Endpoint{Scheme: strings.ToLower(scheme), Query: url.Values{}}

	if before, query, found := strings.Cut(rest, "?"); found {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Endpoint{}, errspkg.NewConfigurationError(fmt.Errorf("transport url %q: %w", raw, err))
		}
		ep.Query = values
		rest = before
	}

	authority := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, ep.Path = rest[:i], rest[i:]
	}

	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		userinfo := authority[:i]
		authority = authority[i+1:]
		user, password, _ := strings.Cut(userinfo, ":")
		ep.User, _ = url.PathUnescape(user)
		ep.Password, _ = url.PathUnescape(password)
	}

	for _, host := range strings.Split(authority, ",") {
		if host = strings.TrimSpace(host); host != "" {
			ep.Hosts = append(ep.Hosts, host)
		}
	}
	return ep, nil
}

// Host returns the first host, or fallback when none was given.
func (e Endpoint) Host(fallback string) string {
	if len(e.Hosts) == 0 {
		return fallback
	}
	return e.Hosts[0]
}

// Name returns the path without its leading slash.
func (e Endpoint) Name() string {
	return strings.TrimPrefix(e.Path, "/")
}

// WithScheme renders the endpoint with another scheme and without the query,
// e.g. to hand "jetstream://h:4222" to a client expecting "nats://h:4222".
func (e Endpoint) WithScheme(scheme string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if e.User != "" {
		b.WriteString(url.PathEscape(e.User))
		if e.Password != "" {
			b.WriteByte(':')
			b.WriteString(url.PathEscape(e.Password))
		}
		b.WriteByte('@')
	}
	b.WriteString(strings.Join(e.Hosts, ","))
	b.WriteString(e.Path)
	return b.String()
}
