package rpc

import (
	"context"
	"net/url"
	"strings"
)

// EndpointSet is an ordered, de-duplicated list of node URLs. It is
// immutable once built.
type EndpointSet struct {
	urls []string
}

// BuildEndpointSet merges sources in preference order. Empty entries are
// skipped and later duplicates dropped.
func BuildEndpointSet(sources ...[]string) EndpointSet {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, source := range sources {
		for _, raw := range source {
			clean := strings.TrimSpace(raw)
			if clean == "" {
				continue
			}
			key := normalizeEndpoint(clean)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, clean)
		}
	}
	return EndpointSet{urls: out}
}

// URLs returns a copy of the endpoint list.
func (s EndpointSet) URLs() []string {
	out := make([]string, len(s.urls))
	copy(out, s.urls)
	return out
}

func (s EndpointSet) Len() int { return len(s.urls) }

func normalizeEndpoint(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String()
}

// SplitList parses a comma or whitespace separated list of URLs.
func SplitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.TrimSpace(f); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// JSONGetter fetches and decodes a JSON document.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

type remoteEndpointConfig struct {
	RPCURL  string   `json:"rpc_url"`
	RPCURLs []string `json:"rpc_urls"`
}

// FetchRemoteEndpoints reads the runtime endpoint configuration document.
// Callers treat a failure as "no remote endpoints" and keep going.
func FetchRemoteEndpoints(ctx context.Context, getter JSONGetter, configURL string) ([]string, error) {
	if strings.TrimSpace(configURL) == "" || getter == nil {
		return nil, nil
	}
	var doc remoteEndpointConfig
	if err := getter.GetJSON(ctx, configURL, &doc); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.RPCURLs)+1)
	if strings.TrimSpace(doc.RPCURL) != "" {
		out = append(out, doc.RPCURL)
	}
	out = append(out, doc.RPCURLs...)
	return out, nil
}
