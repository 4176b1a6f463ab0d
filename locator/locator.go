// Package locator finds ndt5 servers with the M-Lab Locate API.
package locator

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/ndt5"
)

// Service is the name of the ndt5 service in the Locate API.
const Service = "ndt/ndt5"

// ErrNoTargets is returned when the Locate API knows no usable server.
var ErrNoTargets = errors.New("no targets available")

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Server is one ndt5 server returned by the Locate API.
type Server struct {
	Machine string
	Host    string
	// Ports and Queries are keyed by transport. Transports the Locate API
	// did not mention use their default port and no query.
	Ports   map[ndt5.Transport]int
	Queries map[ndt5.Transport]url.Values
}

// Port returns the port of the server for t.
func (s *Server) Port(t ndt5.Transport) int {
	if p, ok := s.Ports[t]; ok {
		return p
	}
	return t.DefaultPort()
}

// Query returns the URL query to present when connecting over t.
func (s *Server) Query(t ndt5.Transport) url.Values {
	return s.Queries[t]
}

// Client memoizes the answers of the Locate API.
type Client struct {
	locator Locator
	cache   *ttlcache.Cache[string, []Server]
}

// New returns a Client that identifies itself with userAgent and remembers
// the servers it was given for ttl.
func New(userAgent string, ttl time.Duration) *Client {
	return NewWithLocator(locate.NewClient(userAgent), ttl)
}

// NewWithLocator is New with an explicit Locator.
func NewWithLocator(l Locator, ttl time.Duration) *Client {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []Server](ttl),
		ttlcache.WithDisableTouchOnHit[string, []Server](),
	)
	return &Client{locator: l, cache: cache}
}

// fromTarget turns a target into a Server. Targets without a parseable URL
// are skipped.
func fromTarget(t v2.Target) (Server, bool) {
	s := Server{
		Machine: t.Machine,
		Ports:   map[ndt5.Transport]int{},
		Queries: map[ndt5.Transport]url.Values{},
	}
	for key, raw := range t.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			logging.Logger.WithError(err).WithField("url", raw).Warn("Bad URL from locate")
			continue
		}
		scheme, _, _ := strings.Cut(key, ":")
		transport, err := ndt5.ParseTransport(scheme)
		if err != nil {
			continue
		}
		s.Host = u.Hostname()
		if p, err := strconv.Atoi(u.Port()); err == nil {
			s.Ports[transport] = p
		}
		s.Queries[transport] = u.Query()
	}
	if s.Host == "" {
		s.Host = t.Machine
	}
	return s, s.Host != ""
}

// Servers returns the nearest ndt5 servers, best first.
func (c *Client) Servers(ctx context.Context) ([]Server, error) {
	if item := c.cache.Get(Service); item != nil {
		return item.Value(), nil
	}
	targets, err := c.locator.Nearest(ctx, Service)
	if err != nil {
		return nil, err
	}
	var servers []Server
	for _, t := range targets {
		if s, ok := fromTarget(t); ok {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return nil, ErrNoTargets
	}
	c.cache.Set(Service, servers, ttlcache.DefaultTTL)
	return servers, nil
}
