// Package safeurl validates and fetches tenant-supplied media URLs.
// It exists to stop server-side request forgery: the gateway downloads
// whatever URL a tenant hands it, so every hop must land on a public
// address.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

const (
	// MaxBytes bounds a media download.
	MaxBytes = 50 << 20 // 50 MiB
	// MaxRedirects bounds the redirect chain.
	MaxRedirects = 5
	// FetchTimeout bounds connect plus read for one fetch.
	FetchTimeout = 30 * time.Second
)

var (
	ErrScheme       = errors.New("media URL scheme must be http or https")
	ErrForbiddenNet = errors.New("media URL resolves to a forbidden network")
	ErrTooLarge     = fmt.Errorf("media exceeds %d bytes", MaxBytes)
)

// forbidden address ranges: loopback, link-local, RFC1918, CGNAT, ULA,
// unspecified and multicast.
var forbiddenNets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"224.0.0.0/4",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"::/128",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func forbiddenIP(ip net.IP) bool {
	for _, n := range forbiddenNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Validate checks scheme and resolves the host, rejecting before any
// outbound connection if any resolved address is in a forbidden range.
func Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse media URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("media URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if forbiddenIP(ip) {
			return ErrForbiddenNet
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve media host: %w", err)
	}
	for _, ip := range ips {
		if forbiddenIP(ip.IP) {
			return ErrForbiddenNet
		}
	}
	return nil
}

// Client returns an http.Client whose dialer re-checks every connection
// target, closing the DNS-rebinding window between Validate and the
// actual dial, and whose redirect policy re-validates each hop.
func Client() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || forbiddenIP(ip) {
				return ErrForbiddenNet
			}
			return nil
		},
	}
	return &http.Client{
		Timeout: FetchTimeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return Validate(req.Context(), req.URL.String())
		},
	}
}

// Fetch downloads a validated media URL, bounded by MaxBytes. Returns
// the body and the Content-Type the origin reported.
func Fetch(ctx context.Context, raw string) ([]byte, string, error) {
	if err := Validate(ctx, raw); err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := Client().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: origin returned %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxBytes {
		return nil, "", ErrTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	if len(body) > MaxBytes {
		return nil, "", ErrTooLarge
	}
	return body, resp.Header.Get("Content-Type"), nil
}
