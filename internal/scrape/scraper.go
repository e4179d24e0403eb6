package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/transit"
)

const htmlAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// DefaultDays is how many days of vehicle pages ScrapeJourneys reads.
const DefaultDays = 5

// ErrForeignLink rejects links that point outside the source site.
var ErrForeignLink = errors.New("link is not on the source site")

var (
	serviceIDRe = regexp.MustCompile(`SERVICE_ID\s*=\s*(\d+)`)
	journeyRe   = regexp.MustCompile(`journeys/(\d+)`)
)

// JourneyObservation is one visit of the requested stop on a recent journey.
type JourneyObservation struct {
	Date        string `json:"date"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Stop        string `json:"stop"`
	Scheduled   string `json:"scheduled"`
	Actual      string `json:"actual"`
}

type JourneyQuery struct {
	ServiceLink string
	StopName    string
	Days        int
}

type Scraper struct {
	client *source.Client
	// Delay spaces out consecutive page fetches within one crawl.
	Delay time.Duration
	Now   func() time.Time
}

func New(client *source.Client) *Scraper {
	return &Scraper{client: client, Delay: 200 * time.Millisecond, Now: time.Now}
}

// SearchServiceLink returns the absolute link of the first search hit.
func (s *Scraper) SearchServiceLink(ctx context.Context, query string) (string, error) {
	doc, err := s.document(ctx, "search", url.Values{"q": {query}})
	if err != nil {
		return "", err
	}
	href, ok := doc.Find("ul.has-smalls li a").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", &transit.NotFoundError{Kind: transit.KindService, Detail: fmt.Sprintf("no service matches %q", query)}
	}
	return s.client.ResolveURL(strings.TrimSpace(href)), nil
}

// ScrapeStops lists the stop names of the first timetable on a service page.
func (s *Scraper) ScrapeStops(ctx context.Context, serviceURL string) ([]string, error) {
	if err := s.checkLink(serviceURL); err != nil {
		return nil, err
	}
	doc, err := s.document(ctx, serviceURL, nil)
	if err != nil {
		return nil, err
	}
	table := doc.Find("table.timetable").First()
	if table.Length() == 0 {
		log.Printf("scrape: no timetable on %s", serviceURL)
		return []string{}, nil
	}
	stops := []string{}
	table.Find("tr th.stop-name").Each(func(_ int, th *goquery.Selection) {
		if name := strings.TrimSpace(th.Find("a").First().Text()); name != "" {
			stops = append(stops, name)
		}
	})
	return stops, nil
}

// ScrapeJourneys walks the vehicle pages of the last q.Days days and emits
// one observation per journey that calls at q.StopName. Pages and journeys
// that fail to load are logged and skipped.
func (s *Scraper) ScrapeJourneys(ctx context.Context, q JourneyQuery, emit func(JourneyObservation)) error {
	link := strings.TrimRight(strings.TrimSpace(q.ServiceLink), "/")
	if err := s.checkLink(link); err != nil {
		return err
	}
	want := transit.CanonicalName(q.StopName)
	if want == "" {
		return errors.New("stop name is required")
	}
	days := q.Days
	if days <= 0 {
		days = DefaultDays
	}

	doc, err := s.document(ctx, link, nil)
	if err != nil {
		return err
	}
	serviceID, err := pageServiceID(doc)
	if err != nil {
		return err
	}

	today := s.Now()
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		if err := s.pause(ctx); err != nil {
			return err
		}
		page, err := s.document(ctx, link+"/vehicles", url.Values{"date": {date}})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("scrape: vehicles %s on %s: %v", link, date, err)
			continue
		}
		ids := journeyIDs(page)
		if len(ids) == 0 {
			log.Printf("scrape: no journeys on %s for %s", link, date)
			continue
		}
		for _, jid := range ids {
			if err := s.pause(ctx); err != nil {
				return err
			}
			detail, err := s.client.FetchJourneyDetail(ctx, serviceID, jid)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("scrape: journey %d/%s: %v", serviceID, jid, err)
				continue
			}
			if obs, ok := observe(detail, want, date); ok {
				emit(obs)
			}
		}
	}
	return nil
}

func observe(d transit.JourneyDetail, want, date string) (JourneyObservation, bool) {
	if len(d.Stops) == 0 {
		return JourneyObservation{}, false
	}
	for _, v := range d.Stops {
		if transit.CanonicalName(v.Name) != want {
			continue
		}
		return JourneyObservation{
			Date:        date,
			Origin:      d.Stops[0].Name,
			Destination: d.Stops[len(d.Stops)-1].Name,
			Stop:        v.Name,
			Scheduled:   v.ScheduledText(),
			Actual:      v.ActualText(),
		}, true
	}
	return JourneyObservation{}, false
}

func pageServiceID(doc *goquery.Document) (int64, error) {
	var scripts strings.Builder
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts.WriteString(s.Text())
		scripts.WriteByte('\n')
	})
	m := serviceIDRe.FindStringSubmatch(scripts.String())
	if m == nil {
		return 0, &transit.NotFoundError{Kind: transit.KindService, Detail: "no SERVICE_ID in page scripts"}
	}
	return strconv.ParseInt(m[1], 10, 64)
}

// journeyIDs returns the distinct journey ids linked from a vehicles page,
// in page order.
func journeyIDs(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var ids []string
	doc.Find("a[href*='#journeys/']").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		m := journeyRe.FindStringSubmatch(href)
		if m == nil || seen[m[1]] {
			return
		}
		seen[m[1]] = true
		ids = append(ids, m[1])
	})
	return ids
}

func (s *Scraper) document(ctx context.Context, rawURL string, params url.Values) (*goquery.Document, error) {
	body, err := s.client.Get(ctx, rawURL, params, htmlAccept)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return doc, nil
}

func (s *Scraper) checkLink(raw string) error {
	u, err := url.Parse(s.client.ResolveURL(raw))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrForeignLink, raw)
	}
	base, _ := url.Parse(s.client.ResolveURL("/"))
	if u.Host != base.Host || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrForeignLink, raw)
	}
	return nil
}

func (s *Scraper) pause(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
