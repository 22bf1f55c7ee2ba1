package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsFetcher retrieves the robots.txt body for an origin. The
// default implementation goes over HTTP; tests and alternative crawler
// backends substitute their own.
type RobotsFetcher interface {
	FetchRobots(ctx context.Context, originURL string, skipTLSVerification bool) (string, error)
}

// HTTPRobotsFetcher fetches robots.txt directly from the target origin.
type HTTPRobotsFetcher struct {
	Timeout time.Duration
}

func (f *HTTPRobotsFetcher) FetchRobots(ctx context.Context, originURL string, skipTLSVerification bool) (string, error) {
	u, err := url.Parse(originURL)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if skipTLSVerification {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("robots.txt fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// robotsCrawlDelay extracts the crawl-delay directive (seconds) from a
// robots.txt body for our user agent, falling back to the wildcard
// group. Zero when absent or unparseable.
func robotsCrawlDelay(body, userAgent string) float64 {
	robots, err := robotstxt.FromString(body)
	if err != nil {
		return 0
	}
	group := robots.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay.Seconds()
}
