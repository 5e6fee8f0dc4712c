package processor

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Image URL policy errors. Both surface as INVALID_IMAGE.
var (
	ErrImageURLDisabled   = stderrors.New("image URLs are not enabled")
	ErrImageURLNotAllowed = stderrors.New("image URL not allowed")
)

const maxImageRedirects = 3

// hostAllowed reports whether host matches the allowlist. An entry with a
// leading dot matches any subdomain.
func hostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// checkImageURL validates scheme and host before anything is dialed
func (p *CaptchaProcessor) checkImageURL(u *url.URL) error {
	if len(p.config.AllowedImageHosts) == 0 {
		return ErrImageURLDisabled
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrImageURLNotAllowed, u.Scheme)
	}
	if !hostAllowed(p.config.AllowedImageHosts, u.Hostname()) {
		return fmt.Errorf("%w: host %q", ErrImageURLNotAllowed, u.Hostname())
	}
	return nil
}

func (p *CaptchaProcessor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxImageRedirects {
		return fmt.Errorf("%w: too many redirects", ErrImageURLNotAllowed)
	}
	return p.checkImageURL(req.URL)
}

// publicOnlyControl refuses connections to addresses that are not publicly
// routable. It runs after DNS resolution, so names resolving to internal
// addresses are caught too.
func publicOnlyControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageURLNotAllowed, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved address %q", ErrImageURLNotAllowed, host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return fmt.Errorf("%w: address %s is not public", ErrImageURLNotAllowed, ip)
	}
	return nil
}

// newImageClient builds the download client. Proxies are ignored so the
// address check applies to the image host itself.
func newImageClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: publicOnlyControl,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          10,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}
