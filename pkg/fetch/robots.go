package fetch

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"ssb-archive/pkg/parse"
)

// RobotsPolicy answers whether the origin's robots.txt allows a path for our user agent.
// robots.txt is fetched once per run; a missing or broken file allows everything.
type RobotsPolicy struct {
	fetcher   *Fetcher
	origin    string
	userAgent string
	maxBytes  int64

	once  sync.Once
	group *robotstxt.Group
	log   *logrus.Entry
}

// NewRobotsPolicy creates a policy for the origin base URL (scheme://host)
func NewRobotsPolicy(fetcher *Fetcher, origin, userAgent string, maxBytes int64, log *logrus.Entry) *RobotsPolicy {
	return &RobotsPolicy{
		fetcher:   fetcher,
		origin:    origin,
		userAgent: userAgent,
		maxBytes:  maxBytes,
		log:       log.WithField("component", "robots"),
	}
}

func (rp *RobotsPolicy) load(ctx context.Context) {
	robotsURL := rp.origin + "/robots.txt"
	robotsLog := rp.log.WithField("robots_url", robotsURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return
	}
	req.Header.Set("User-Agent", rp.userAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := rp.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drainAndClose(resp)
		robotsLog.Infof("No usable robots.txt, allowing all paths: %v", err)
		return
	}
	body, err := readBody(resp, rp.maxBytes)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return
	}
	rp.group = data.FindGroup(rp.userAgent)
	robotsLog.Info("Loaded robots.txt")
}

// Allowed reports whether ref may be fetched
func (rp *RobotsPolicy) Allowed(ctx context.Context, ref parse.Ref) bool {
	if rp == nil {
		return true
	}
	rp.once.Do(func() { rp.load(ctx) })
	if rp.group == nil {
		return true
	}
	return rp.group.Test(ref.Key())
}
