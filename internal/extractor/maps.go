// Package extractor drives a live browser session through a Google
// Maps search and turns the results into records.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// domRunner is the slice of the concrete session the extractor needs:
// the ability to run raw automation actions in the session's browsing
// context.
type domRunner interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
}

// Shell-page titles. A detail page whose heading matches one of these
// never finished rendering a place and carries no extractable fields.
var shellTitles = map[string]struct{}{
	"google maps": {},
	"maps":        {},
}

// MapsExtractor implements scrape.Extractor against Google Maps. One
// item key is one search query; the records are the detail pages of
// the results it surfaces.
type MapsExtractor struct {
	baseURL    string
	maxResults int
	slowMo     time.Duration
	clock      scrape.Clock
	heartbeat  func()
	checkpoint func(ctx context.Context) error
	logger     *zap.Logger
}

// Config controls extraction behavior.
type Config struct {
	BaseURL    string
	MaxResults int
	SlowMo     time.Duration
	Clock      scrape.Clock
	// Heartbeat, when set, is called between detail pages so liveness
	// monitoring sees progress during long extractions.
	Heartbeat func()
	// Checkpoint, when set, is consulted between detail pages. A
	// non-nil return aborts the pass with the records collected so far,
	// letting pause and stop requests take effect inside a long
	// extraction instead of only between items.
	Checkpoint func(ctx context.Context) error
	Logger     *zap.Logger
}

// New builds a MapsExtractor.
func New(cfg Config) (*MapsExtractor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.SlowMo <= 0 {
		cfg.SlowMo = 50 * time.Millisecond
	}
	if cfg.Heartbeat == nil {
		cfg.Heartbeat = func() {}
	}
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = func(context.Context) error { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &MapsExtractor{
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		slowMo:     cfg.SlowMo,
		clock:      cfg.Clock,
		heartbeat:  cfg.Heartbeat,
		checkpoint: cfg.Checkpoint,
		logger:     cfg.Logger,
	}, nil
}

// Extract searches for itemKey, collects the result links, and visits
// each detail page. Partial results are returned with the error that
// interrupted the pass so already-extracted records are not lost.
func (e *MapsExtractor) Extract(ctx context.Context, sess scrape.Session, itemKey string) ([]scrape.Record, error) {
	runner, ok := sess.(domRunner)
	if !ok {
		return nil, fmt.Errorf("session %T does not expose a dom runner", sess)
	}

	if err := sess.Navigate(ctx, e.baseURL, 30*time.Second); err != nil {
		return nil, err
	}
	e.acceptConsent(ctx, runner)

	if err := e.checkThrottle(ctx, runner); err != nil {
		return nil, err
	}

	if err := e.search(ctx, runner, itemKey); err != nil {
		return nil, err
	}

	links, err := e.collectLinks(ctx, runner)
	if err != nil {
		return nil, err
	}
	e.logger.Info("search results collected",
		zap.String("query", itemKey),
		zap.Int("links", len(links)),
	)
	if len(links) == 0 {
		return nil, nil
	}

	records := make([]scrape.Record, 0, len(links))
	for _, link := range links {
		if err := e.checkpoint(ctx); err != nil {
			return records, err
		}
		e.heartbeat()
		rec, err := e.extractPlace(ctx, sess, runner, itemKey, link)
		if err != nil {
			return records, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

// acceptConsent clicks the consent interstitial when it appears. Its
// absence is the common case and not an error.
func (e *MapsExtractor) acceptConsent(ctx context.Context, runner domRunner) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := runner.Run(clickCtx,
		chromedp.Click(`//button[contains(., "Accept all")]`, chromedp.BySearch),
		chromedp.Sleep(e.slowMo),
	)
	if err == nil {
		e.logger.Debug("consent interstitial accepted")
	}
}

// checkThrottle inspects the page body for the rate-limit
// interstitial.
func (e *MapsExtractor) checkThrottle(ctx context.Context, runner domRunner) error {
	var body string
	err := runner.Run(ctx,
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &body),
	)
	if err != nil {
		return &scrape.SessionError{Op: "read page body", Err: err}
	}
	if strings.Contains(strings.ToLower(body), "unusual traffic") {
		return &scrape.ThrottleError{Signature: "unusual traffic"}
	}
	return nil
}

// search submits the query and waits for the results feed, scrolling
// it so lazily loaded entries materialize.
func (e *MapsExtractor) search(ctx context.Context, runner domRunner, query string) error {
	err := runner.Run(ctx,
		chromedp.WaitVisible(`input#searchboxinput`, chromedp.ByQuery),
		chromedp.Clear(`input#searchboxinput`, chromedp.ByQuery),
		chromedp.SendKeys(`input#searchboxinput`, query, chromedp.ByQuery),
		chromedp.Sleep(e.slowMo),
		chromedp.SendKeys(`input#searchboxinput`, kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return &scrape.SessionError{Op: "submit search", Err: err}
	}

	feedCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := runner.Run(feedCtx, chromedp.WaitVisible(`div[role="feed"]`, chromedp.ByQuery)); err != nil {
		// No feed can mean a throttle wall rather than zero results.
		if throttleErr := e.checkThrottle(ctx, runner); throttleErr != nil {
			return throttleErr
		}
		return &scrape.SessionError{Op: "wait for results feed", Err: err}
	}

	for i := 0; i < 5; i++ {
		err := runner.Run(ctx,
			chromedp.Evaluate(`(() => {
				const feed = document.querySelector('div[role="feed"]');
				if (feed) { feed.scrollTop = feed.scrollHeight; }
			})()`, nil),
			chromedp.Sleep(500*time.Millisecond+e.slowMo),
		)
		if err != nil {
			return &scrape.SessionError{Op: "scroll results feed", Err: err}
		}
	}
	return nil
}

// collectLinks gathers result anchors from the feed.
func (e *MapsExtractor) collectLinks(ctx context.Context, runner domRunner) ([]string, error) {
	var hrefs []string
	err := runner.Run(ctx,
		chromedp.Evaluate(`Array.from(document.querySelectorAll('a.hfpxzc')).map(a => a.href)`, &hrefs),
	)
	if err != nil {
		return nil, &scrape.SessionError{Op: "collect result links", Err: err}
	}
	return FilterPlaceLinks(hrefs, e.maxResults), nil
}

// extractPlace visits one detail page and reads its fields. A shell
// page yields a nil record, not an error.
func (e *MapsExtractor) extractPlace(ctx context.Context, sess scrape.Session, runner domRunner, itemKey, link string) (*scrape.Record, error) {
	if err := sess.Navigate(ctx, link, 30*time.Second); err != nil {
		return nil, err
	}

	nameCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var name string
	if err := runner.Run(nameCtx,
		chromedp.WaitVisible(`h1.DUwDvf`, chromedp.ByQuery),
		chromedp.Text(`h1.DUwDvf`, &name, chromedp.ByQuery),
	); err != nil {
		e.logger.Warn("place heading missing, skipping result", zap.String("url", link))
		return nil, nil
	}

	if IsShellPage(name) {
		e.logger.Debug("shell page, skipping result", zap.String("url", link))
		return nil, nil
	}

	fields := map[string]string{
		"name": strings.TrimSpace(name),
		"url":  link,
	}
	var address, website, phone string
	// Detail fields vary per place; missing ones stay empty rather
	// than failing the record.
	_ = runner.Run(ctx, chromedp.Evaluate(`(() => {
		const el = document.querySelector('button[data-item-id="address"]');
		return el ? (el.getAttribute('aria-label') || el.innerText) : "";
	})()`, &address))
	_ = runner.Run(ctx, chromedp.Evaluate(`(() => {
		const el = document.querySelector('a[data-item-id="authority"]');
		return el ? el.href : "";
	})()`, &website))
	_ = runner.Run(ctx, chromedp.Evaluate(`(() => {
		const el = document.querySelector('button[data-item-id^="phone"]');
		return el ? (el.getAttribute('aria-label') || el.innerText) : "";
	})()`, &phone))

	fields["address"] = CleanLabel(address, "Address: ")
	fields["website"] = strings.TrimSpace(website)
	fields["phone"] = CleanLabel(phone, "Phone: ")

	return &scrape.Record{
		ItemKey:    itemKey,
		CapturedAt: e.clock.Now(),
		Fields:     fields,
	}, nil
}

// FilterPlaceLinks keeps unique place-detail URLs, preserving feed
// order, capped at max.
func FilterPlaceLinks(hrefs []string, max int) []string {
	seen := make(map[string]struct{}, len(hrefs))
	links := make([]string, 0, max)
	for _, href := range hrefs {
		if !strings.Contains(href, "/maps/place/") {
			continue
		}
		if _, ok := seen[href]; ok {
			continue
		}
		seen[href] = struct{}{}
		links = append(links, href)
		if len(links) == max {
			break
		}
	}
	return links
}

// IsShellPage reports whether a detail-page heading belongs to an
// unrendered shell.
func IsShellPage(name string) bool {
	_, ok := shellTitles[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// CleanLabel strips an accessibility prefix from a field value.
func CleanLabel(value, prefix string) string {
	value = strings.TrimSpace(value)
	return strings.TrimSpace(strings.TrimPrefix(value, prefix))
}

var _ scrape.Extractor = (*MapsExtractor)(nil)
