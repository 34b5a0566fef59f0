// Package durl parses the URL forms the runtime exchanges:
//
//   - reference URLs naming a service to call:
//     tri://host:port/org.example.Greeter?group=g&version=1.0
//     zookeeper://h1:2181,h2:2181/?loadbalance=cpu&timeout_ms=3000
//   - provider URLs stored in a registry, one per endpoint:
//     tri://host:port/org.example.Greeter?cpu=17&weight=80&group=g
package durl

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"triple-rpc/framing"
	"triple-rpc/registry"
)

// Reference is a parsed client-side target.
type Reference struct {
	Scheme    string // "tri" (direct) or "zookeeper" (via registry)
	Address   string // host:port, or comma-separated registry host list
	Interface string // dotted service name; empty for registry references
	Group     string
	Version   string

	Loadbalance    string        // "random" (default) or "cpu"
	Timeout        time.Duration // default per-call timeout, 0 = none
	MaxMessageSize int
	Serialization  string // "proto" (default) or "json"
}

// Key returns the service key the reference subscribes to. For direct
// references Interface comes from the URL path; registry references carry
// it per call.
func (r *Reference) Key(iface string) registry.ServiceKey {
	if iface == "" {
		iface = r.Interface
	}
	return registry.ServiceKey{Interface: iface, Group: r.Group, Version: r.Version}
}

// ParseReference parses a tri:// or zookeeper:// reference URL.
func ParseReference(raw string) (*Reference, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("durl: parse %q: %w", raw, err)
	}
	if u.Scheme != "tri" && u.Scheme != "zookeeper" {
		return nil, fmt.Errorf("durl: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	ref := &Reference{
		Scheme:         u.Scheme,
		Address:        u.Host,
		Interface:      strings.Trim(u.Path, "/"),
		Group:          q.Get("group"),
		Version:        q.Get("version"),
		Loadbalance:    q.Get("loadbalance"),
		Serialization:  q.Get("serialization"),
		MaxMessageSize: framing.DefaultMaxMessageSize,
	}
	if ref.Loadbalance == "" {
		ref.Loadbalance = "random"
	}
	if ref.Loadbalance != "random" && ref.Loadbalance != "cpu" {
		return nil, fmt.Errorf("durl: unknown loadbalance %q", ref.Loadbalance)
	}
	if ref.Serialization == "" {
		ref.Serialization = "proto"
	}
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("durl: bad timeout_ms %q", v)
		}
		ref.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("max_message_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("durl: bad max_message_size %q", v)
		}
		ref.MaxMessageSize = n
	}
	return ref, nil
}

// EncodeProvider renders the provider URL registered for one endpoint.
// Metadata becomes query parameters; the interface is the URL path.
func EncodeProvider(key registry.ServiceKey, ep registry.Endpoint) string {
	q := url.Values{}
	for k, v := range ep.Metadata {
		q.Set(k, v)
	}
	if key.Group != "" {
		q.Set("group", key.Group)
	}
	if key.Version != "" {
		q.Set("version", key.Version)
	}
	u := url.URL{
		Scheme:   "tri",
		Host:     ep.Addr(),
		Path:     "/" + key.Interface,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ParseProvider decodes a provider URL back into an endpoint. Query
// parameters become endpoint metadata.
func ParseProvider(raw string) (registry.Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("durl: parse provider %q: %w", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("durl: provider %q has no port: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("durl: provider %q bad port: %w", raw, err)
	}
	md := map[string]string{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			md[k] = vs[0]
		}
	}
	return registry.Endpoint{Host: host, Port: port, Metadata: md}, nil
}

// RegistryHosts splits a zookeeper reference address into its host list.
// Multi-host strings are forwarded verbatim to the underlying client.
func RegistryHosts(address string) []string {
	parts := strings.Split(address, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
