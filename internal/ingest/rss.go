package ingest

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// RSSAdapter parses RSS 2.0 and Atom feeds. One observation per item;
// external_id prefers guid, then link, then a hash of the item content.
type RSSAdapter struct {
	fetcher *Fetcher
}

// NewRSSAdapter builds an RSS/Atom adapter over the shared fetcher.
func NewRSSAdapter(f *Fetcher) *RSSAdapter {
	return &RSSAdapter{fetcher: f}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	ID        string     `xml:"id"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// Fetch retrieves and parses the feed.
func (a *RSSAdapter) Fetch(ctx context.Context, src models.Source) ([]models.RawObservation, error) {
	body, err := a.fetcher.Get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	var rss rssDocument
	rssErr := xml.Unmarshal(body, &rss)
	if rssErr == nil && len(rss.Channel.Items) > 0 {
		return rssObservations(rss.Channel, now), nil
	}

	var atom atomFeed
	atomErr := xml.Unmarshal(body, &atom)
	if atomErr == nil && len(atom.Entries) > 0 {
		return atomObservations(atom, now), nil
	}
	if rssErr == nil || atomErr == nil {
		// Valid but empty feed.
		return nil, nil
	}
	return nil, rangererrors.WrapParse("rss.parse", src.URL, rssErr)
}

func rssObservations(ch rssChannel, now time.Time) []models.RawObservation {
	obs := make([]models.RawObservation, 0, len(ch.Items))
	for _, item := range ch.Items {
		title := strings.TrimSpace(item.Title)
		desc := strings.TrimSpace(item.Description)
		if title == "" && desc == "" {
			continue
		}

		externalID := strings.TrimSpace(item.GUID)
		if externalID == "" {
			externalID = strings.TrimSpace(item.Link)
		}
		if externalID == "" {
			externalID = hashID(title, desc)
		}

		obs = append(obs, models.RawObservation{
			ExternalID:  externalID,
			SourceURL:   strings.TrimSpace(item.Link),
			RawText:     joinText(title, desc),
			Title:       title,
			PublishedAt: parseFeedTime(item.PubDate),
			ProducedAt:  now,
		})
	}
	return obs
}

func atomObservations(feed atomFeed, now time.Time) []models.RawObservation {
	obs := make([]models.RawObservation, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		title := strings.TrimSpace(entry.Title)
		body := strings.TrimSpace(entry.Content)
		if body == "" {
			body = strings.TrimSpace(entry.Summary)
		}
		if title == "" && body == "" {
			continue
		}

		link := ""
		for _, l := range entry.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}

		externalID := strings.TrimSpace(entry.ID)
		if externalID == "" {
			externalID = link
		}
		if externalID == "" {
			externalID = hashID(title, body)
		}

		published := entry.Published
		if published == "" {
			published = entry.Updated
		}

		obs = append(obs, models.RawObservation{
			ExternalID:  externalID,
			SourceURL:   link,
			RawText:     joinText(title, body),
			Title:       title,
			PublishedAt: parseFeedTime(published),
			ProducedAt:  now,
		})
	}
	return obs
}

func joinText(title, body string) string {
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseFeedTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
