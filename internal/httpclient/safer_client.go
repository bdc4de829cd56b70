// Package httpclient provides an outbound HTTP client with SSRF
// protection for talking to operator-configured endpoints such as the
// receipt collector.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/metagate-io/metagate/errors"
)

// SaferClient wraps http.Client with scheme checks, a redirect cap and
// optional private-IP blocking on every dial, including redirects.
type SaferClient struct {
	*http.Client
	blockPrivateIP bool
	maxRedirects   int
}

// Options tunes SSRF protection. The zero value keeps every protection on.
type Options struct {
	// AllowPrivateIP permits dialing RFC1918/loopback addresses. Needed
	// when the collector runs on the same host or cluster network.
	AllowPrivateIP bool
	MaxRedirects   int
}

// New creates a protected HTTP client with the given total timeout.
func New(timeout time.Duration, opts Options) *SaferClient {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	client := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		blockPrivateIP: !opts.AllowPrivateIP,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if client.blockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	return client
}

// Do validates the request URL before delegating to http.Client.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func validateURL(u *url.URL) error {
	if u == nil {
		return errors.New("nil URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL has no host")
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
