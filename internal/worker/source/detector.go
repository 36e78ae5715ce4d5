package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrFeedNotDetected はページからRSS/Atomフィードを検出できなかったことを表す。
var ErrFeedNotDetected = errors.New("feed not detected")

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// FeedCandidate はHTMLから検出されたフィード候補。
type FeedCandidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

// Guard はフェッチ時のSSRF防止インターフェース。
// security.FetchGuardがこれを満たす。
type Guard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Detector はマーケットプレイスの一覧ページからフィードURLを検出する。
type Detector struct {
	guard       Guard
	timeout     time.Duration
	maxBodySize int64
}

// NewDetector はDetectorを生成する。
func NewDetector(guard Guard, timeout time.Duration, maxBodySize int64) *Detector {
	return &Detector{guard: guard, timeout: timeout, maxBodySize: maxBodySize}
}

var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// IsDirectFeed はContent-Typeとボディからレスポンスがフィードそのものかを判定する。
func IsDirectFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, ct := range feedContentTypes {
		if mediaType == ct {
			return true
		}
	}

	isXML := false
	for _, ct := range xmlContentTypes {
		if mediaType == ct {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}
	return looksLikeFeed(body)
}

// looksLikeFeed は先頭4KBにRSS/Atomのルート要素があるかを調べる。
func looksLikeFeed(body []byte) bool {
	n := min(len(body), 4096)
	prefix := strings.ToLower(string(body[:n]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// ParseFeedLinks はHTMLのhead内の <link rel="alternate"> からフィード候補を抽出する。
// 相対URLはbaseURLを基準に解決する。
func ParseFeedLinks(htmlBody []byte, baseURL string) []FeedCandidate {
	var candidates []FeedCandidate

	base, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	z := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			tag := string(tn)
			switch {
			case tag == "head":
				inHead = true
				continue
			case tag == "body":
				return candidates
			case !inHead || tag != "link" || !hasAttr:
				continue
			}

			var rel, typ, href, title string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}

			var ft FeedType
			switch typ {
			case "application/rss+xml":
				ft = FeedTypeRSS
			case "application/atom+xml":
				ft = FeedTypeAtom
			default:
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			candidates = append(candidates, FeedCandidate{
				URL:      base.ResolveReference(ref).String(),
				FeedType: ft,
				Title:    title,
			})

		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "head" {
				return candidates
			}
		}
	}
}

// SelectBestFeed は候補から1件を選ぶ。
// 優先順位: 同一ホスト > Atom > 先頭
func SelectBestFeed(candidates []FeedCandidate, pageURL string) *FeedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	pageHost := hostOf(pageURL)
	bestIdx, bestScore := 0, -1
	for i, c := range candidates {
		score := 0
		if hostOf(c.URL) == pageHost {
			score += 100
		}
		if c.FeedType == FeedTypeAtom {
			score += 10
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Detect はページURLがフィードであればそのまま、HTMLであればheadのリンクから選んだフィードURLを返す。
func (d *Detector) Detect(ctx context.Context, pageURL string) (string, error) {
	if err := d.guard.ValidateURL(pageURL); err != nil {
		return "", fmt.Errorf("blocked source url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := d.guard.NewSafeClient(d.timeout).Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if IsDirectFeed(contentType, body) {
		return pageURL, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return "", ErrFeedNotDetected
	}

	best := SelectBestFeed(ParseFeedLinks(body, pageURL), pageURL)
	if best == nil {
		return "", ErrFeedNotDetected
	}
	return best.URL, nil
}
