// Package probe performs lightweight reachability checks against the
// target without spending a browser session.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Throttle interstitial markers. The target serves these on plain GETs
// too, so a probe detects a block before a browser session is spent on
// it.
var throttleSignatures = []string{
	"unusual traffic",
	"/sorry/",
}

// Prober issues a plain HTTP GET against the target and classifies the
// response. The watchdog runs one before re-entering the scheduler so
// recovery does not resume straight into a rate-limit wall.
type Prober struct {
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// Config controls Prober behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// New builds a Prober.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Prober{
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Check fetches url once. It returns nil when the target answered with
// a plain page, a ThrottleError when a rate-limit interstitial came
// back, and a wrapped transport error otherwise.
func (p *Prober) Check(ctx context.Context, url string) error {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(p.timeout)
	if p.userAgent != "" {
		collector.UserAgent = p.userAgent
	}

	var (
		fetchErr   error
		statusCode int
		body       string
	)
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = strings.ToLower(string(r.Body))
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
			body = strings.ToLower(string(r.Body))
		}
		fetchErr = err
	})

	if err := collector.Visit(url); err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	collector.Wait()

	if sig := throttleSignature(statusCode, body); sig != "" {
		p.logger.Warn("probe hit rate-limit interstitial",
			zap.String("url", url),
			zap.Int("status", statusCode),
			zap.String("signature", sig),
		)
		return &scrape.ThrottleError{Signature: sig}
	}
	if fetchErr != nil {
		return fmt.Errorf("probe %s: %w", url, fetchErr)
	}
	p.logger.Debug("probe ok", zap.String("url", url), zap.Int("status", statusCode))
	return nil
}

func throttleSignature(status int, body string) string {
	if status == 429 {
		return "status 429"
	}
	for _, sig := range throttleSignatures {
		if strings.Contains(body, sig) {
			return sig
		}
	}
	return ""
}
