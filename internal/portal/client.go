// Package portal fetches the three-level range, number and message tree
// and the live SMS feed from the IVASMS web portal.
package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"otp-relay/internal/config"
	"otp-relay/internal/model"
	"otp-relay/internal/patterns"
)

const maxBodyBytes = 4 << 20

type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	jitterMin  time.Duration
	jitterMax  time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewClient builds a portal client. Redirects are not followed so a bounce
// to the login page is visible as an expiry.
func NewClient(cfg config.PortalConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the clock used for the date window.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// FetchRanges lists the ranges that received SMS in the current date window.
func (c *Client) FetchRanges(ctx context.Context, sess model.Session) ([]model.Range, error) {
	start, end := DateWindow(c.now())
	form := url.Values{
		"from":   {start},
		"to":     {end},
		"_token": {sess.CSRFToken},
	}
	doc, err := c.post(ctx, "ranges", rangesPath, sess, form)
	if err != nil {
		return nil, err
	}

	names, _ := runParsers(doc,
		textParser("div.rng span.rname"),
		onclickParser("getDetials"),
	)
	ranges := make([]model.Range, 0, len(names))
	for _, name := range names {
		ranges = append(ranges, model.Range{Name: name, Country: patterns.CountryName(name)})
	}
	c.logger.Debug("ranges fetched", zap.Int("count", len(ranges)))
	return ranges, nil
}

// FetchNumbers lists the virtual numbers of one range.
func (c *Client) FetchNumbers(ctx context.Context, sess model.Session, rng model.Range) ([]model.NumberRecord, error) {
	start, end := DateWindow(c.now())
	form := url.Values{
		"_token": {sess.CSRFToken},
		"start":  {start},
		"end":    {end},
		"range":  {rng.Name},
	}
	doc, err := c.post(ctx, "numbers", numbersPath, sess, form)
	if err != nil {
		return nil, err
	}

	values, ok := runParsers(doc,
		textParser("div.nrow span.nnum"),
		onclickParser("getDetialsNumber"),
	)
	if !ok {
		return nil, fmt.Errorf("portal numbers for %s: %w", rng.Name, ErrNoMarkup)
	}
	numbers := make([]model.NumberRecord, 0, len(values))
	for _, v := range values {
		numbers = append(numbers, model.NumberRecord{Value: v, Range: rng})
	}
	c.logger.Debug("numbers fetched", zap.String("range", rng.Name), zap.Int("count", len(numbers)))
	return numbers, nil
}

// FetchMessages lists the SMS bodies received by one number.
func (c *Client) FetchMessages(ctx context.Context, sess model.Session, num model.NumberRecord) ([]model.RawMessage, error) {
	start, end := DateWindow(c.now())
	form := url.Values{
		"_token": {sess.CSRFToken},
		"start":  {start},
		"end":    {end},
		"Number": {num.Value},
		"Range":  {num.Range.Name},
	}
	doc, err := c.post(ctx, "messages", messagesPath, sess, form)
	if err != nil {
		return nil, err
	}

	texts, ok := runParsers(doc,
		textParser("div.msg-text"),
		textParser("div.col-9.col-sm-6 p"),
	)
	if !ok {
		return nil, fmt.Errorf("portal messages for %s: %w", num.Value, ErrNoMarkup)
	}
	messages := make([]model.RawMessage, 0, len(texts))
	for _, text := range texts {
		messages = append(messages, model.RawMessage{Number: num.Value, Range: num.Range, Text: text})
	}
	return messages, nil
}

// FetchLiveMessages reads the live SMS feed, recent messages across all
// numbers as table rows. Rows carry no range.
func (c *Client) FetchLiveMessages(ctx context.Context, sess model.Session) ([]model.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, LivePath, sess, nil)
	if err != nil {
		return nil, &FetchError{Op: "live", Err: err}
	}
	doc, err := c.do(ctx, "live", req)
	if err != nil {
		return nil, err
	}

	rows, ok := runLiveParsers(doc,
		rowParser("table", "tbody tr", "td"),
		rowParser("div.live-sms", "div.row", `div[class*="col"]`),
	)
	if !ok {
		return nil, fmt.Errorf("portal live feed: %w", ErrNoMarkup)
	}
	messages := make([]model.RawMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, model.RawMessage{Number: row.Number, Text: row.Text})
	}
	c.logger.Debug("live messages fetched", zap.Int("count", len(messages)))
	return messages, nil
}

// Pause waits a random request jitter.
func (c *Client) Pause(ctx context.Context) error {
	return Pause(ctx, c.jitterMin, c.jitterMax)
}

func (c *Client) post(ctx context.Context, op, path string, sess model.Session, form url.Values) (*goquery.Document, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, sess, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-CSRF-TOKEN", sess.CSRFToken)
	req.Header.Set("Referer", c.baseURL+ReceivedPath)
	return c.do(ctx, op, req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, sess model.Session, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	SetBrowserHeaders(req, c.userAgent)
	for name, value := range sess.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req, nil
}

// do sends req after the jitter pause and maps the portal's expiry signals.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*goquery.Document, error) {
	if err := c.Pause(ctx); err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 419:
		return nil, fmt.Errorf("portal %s: csrf rejected: %w", op, ErrSessionExpired)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc, lerr := resp.Location()
		if lerr == nil && IsLoginURL(loc) {
			return nil, fmt.Errorf("portal %s: redirected to login: %w", op, ErrSessionExpired)
		}
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New("unexpected redirect")}
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &FetchError{Op: op, Status: resp.StatusCode}
	}

	if IsLoginURL(resp.Request.URL) {
		return nil, fmt.Errorf("portal %s: served login page: %w", op, ErrSessionExpired)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("parse body: %w", err)}
	}
	if IsLoginPage(doc) {
		return nil, fmt.Errorf("portal %s: served login form: %w", op, ErrSessionExpired)
	}
	return doc, nil
}
