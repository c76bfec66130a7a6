// Package httpclient builds *http.Client values with optional SOCKS5 or
// HTTP(S) proxy support for outbound OAuth and Code-Assist calls.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// New builds an *http.Client for outbound OAuth/Code-Assist calls. proxyURL
// may be empty (direct connection), "http(s)://..." or "socks5://...".
func New(proxyURL string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errDialer := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDialer != nil {
			return nil, errDialer
		}
		client.Transport = &http.Transport{
			DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return client, nil
}
