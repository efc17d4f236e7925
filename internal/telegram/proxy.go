package telegram

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"
)

// proxyResolver builds a DC resolver that dials through the configured
// per-account proxy.
func proxyResolver(cfg *ProxyConfig) (dcs.Resolver, error) {
	switch cfg.Type {
	case "socks5":
		var pauth *proxy.Auth
		if cfg.Username != "" {
			pauth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), pauth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		dc, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support context")
		}
		return dcs.Plain(dcs.PlainOptions{Dial: dc.DialContext}), nil
	case "http":
		d := &httpConnectDialer{cfg: cfg}
		return dcs.Plain(dcs.PlainOptions{Dial: d.DialContext}), nil
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", cfg.Type)
	}
}

// httpConnectDialer tunnels TCP through an HTTP CONNECT proxy.
type httpConnectDialer struct {
	cfg *ProxyConfig
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
	if err != nil {
		return nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.cfg.Username != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
		req.Header.Del("Authorization")
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}
