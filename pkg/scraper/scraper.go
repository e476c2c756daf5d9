// Package scraper resolves a workshop item id to a metadata snapshot by
// loading the item's public page in a headless browser.
package scraper

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

var appIDPattern = regexp.MustCompile(`/app/(\d+)`)

// ErrorKind classifies a scrape failure.
type ErrorKind int

const (
	ErrorInternal ErrorKind = iota
	ErrorInvalidItem
)

// Error is returned by Fetch on failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// Metadata is the scraped snapshot of a workshop item.
type Metadata struct {
	Title             string
	Author            string
	ApplicationID     string
	PreviewImageURL   string
	DeclaredSizeBytes int64
	Valid             bool
}

const defaultTimeout = 20 * time.Second

// pageURLTemplate is the public workshop item page; itemID is substituted.
const pageURLTemplate = "https://steamcommunity.com/sharedfiles/filedetails/?id=%s"

// Scraper drives a headless Chrome instance to extract WorkshopMetadata.
type Scraper struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
}

// New creates a Scraper backed by a shared headless Chrome allocator. The
// allocator is torn down by calling Close.
func New(timeout time.Duration) *Scraper {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", true))...)
	return &Scraper{allocCtx: allocCtx, cancel: cancel, timeout: timeout}
}

// Close releases the Chrome allocator.
func (s *Scraper) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Fetch loads the item's public page and extracts its metadata.
func (s *Scraper) Fetch(ctx context.Context, itemID string) (Metadata, error) {
	if _, err := strconv.ParseUint(itemID, 10, 64); err != nil {
		return Metadata{}, &Error{Kind: ErrorInvalidItem, Detail: "item id is not numeric"}
	}

	tabCtx, cancel := chromedp.NewContext(s.allocCtx)
	defer cancel()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.timeout)
	defer cancelTimeout()

	url := fmt.Sprintf(pageURLTemplate, itemID)

	var title, author, previewSrc, sizeText, breadcrumbHref string
	var notFoundMarkerCount int

	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`document.querySelectorAll('.error, .workshopItemNotFound').length`, &notFoundMarkerCount),
		chromedp.Text(`.workshopItemTitle`, &title, chromedp.AtLeast(0)),
		chromedp.Text(`.friendlyName`, &author, chromedp.AtLeast(0)),
		chromedp.AttributeValue(`link[rel='image_src']`, "href", &previewSrc, nil),
		chromedp.Text(`.detailsStatsContainerRight`, &sizeText, chromedp.AtLeast(0)),
		chromedp.AttributeValue(`.breadcrumbs a[href*="/app/"]`, "href", &breadcrumbHref, nil),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, &Error{Kind: ErrorInternal, Detail: "fetch cancelled"}
		}
		return Metadata{}, &Error{Kind: ErrorInternal, Detail: fmt.Sprintf("navigate failed: %v", err)}
	}

	if notFoundMarkerCount > 0 || title == "" {
		return Metadata{}, &Error{Kind: ErrorInvalidItem, Detail: "item not found or unavailable"}
	}

	appID := ""
	if m := appIDPattern.FindStringSubmatch(breadcrumbHref); len(m) == 2 {
		appID = m[1]
	}

	return Metadata{
		Title:             title,
		Author:            author,
		ApplicationID:     appID,
		PreviewImageURL:   previewSrc,
		DeclaredSizeBytes: parseDeclaredSize(sizeText),
		Valid:             true,
	}, nil
}

var sizePattern = regexp.MustCompile(`([\d.]+)\s*(KB|MB|GB)`)

// parseDeclaredSize extracts a "File Size: 12.3 MB"-style figure from the
// item stats panel. Returns 0 if no recognizable size is present.
func parseDeclaredSize(text string) int64 {
	m := sizePattern.FindStringSubmatch(text)
	if len(m) != 3 {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "KB":
		return int64(value * 1024)
	case "MB":
		return int64(value * 1024 * 1024)
	case "GB":
		return int64(value * 1024 * 1024 * 1024)
	default:
		return int64(value)
	}
}
