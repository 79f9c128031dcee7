package funding

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPOptions configure the REST client shared by funding sources.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	LocalIP   string
	UserAgent string
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds the REST client used by funding sources and
// instrument discovery.
func NewHTTPClient(opts HTTPOptions) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.LocalIP != "" {
		ip := net.ParseIP(opts.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid local ip %q", opts.LocalIP)
		}
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
		transport.DialContext = dialer.DialContext
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = transport
	if opts.UserAgent != "" {
		rt = userAgentTransport{agent: opts.UserAgent, base: transport}
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

// baseOf reduces an endpoint URL to scheme://host for SDK clients.
func baseOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return raw
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
