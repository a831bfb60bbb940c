package fetch

import (
	"errors"
	"net"
	"net/http"
	"net/url"

	"ssb-archive/pkg/config"

	"github.com/sirupsen/logrus"
)

const maxRedirects = 10

// NewClient creates the HTTP client used for every request to the origin.
// Redirects are followed only while they stay on the origin host; a redirect
// elsewhere surfaces as the 3xx response itself.
func NewClient(cfg config.HTTPClientConfig, origin *url.URL, log *logrus.Entry) *http.Client {
	log.Debug("Initializing HTTP client...")

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after 10 redirects")
			}
			if origin != nil && req.URL.Host != origin.Host {
				log.Debugf("Not following off-origin redirect: %s -> %s", via[len(via)-1].URL, req.URL)
				return http.ErrUseLastResponse
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
}
