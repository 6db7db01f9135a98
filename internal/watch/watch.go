// Package watch reads regulatory update feeds and sends tracked regulations
// that an update mentions back to pending so they are fetched again.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

const maxPerFeed = 50

// Feed is one update feed. Jurisdiction is the pattern hint used to
// classify its items.
type Feed struct {
	URL          string
	Name         string
	Jurisdiction string
}

// Entry is a parsed feed item.
type Entry struct {
	URL           string
	Title         string
	PublishedDate string // YYYY-MM-DD or empty
	Content       string
	Source        string
	Jurisdiction  string
}

// Match links a feed entry to a tracked regulation it cites.
type Match struct {
	Entry        Entry        `json:"entry"`
	Key          universe.Key `json:"key"`
	RegulationID int64        `json:"regulation_id"`
	PriorStatus  string       `json:"prior_status"`
	Reset        bool         `json:"reset"`
}

// Report summarizes a watch run.
type Report struct {
	Entries int     `json:"entries"`
	Matches []Match `json:"matches"`
	Reset   int     `json:"reset"`
}

// Watcher checks feeds against the tracked regulations.
type Watcher struct {
	db     *database.DB
	mapper *universe.Mapper
	feeds  []Feed
	parser *gofeed.Parser
	now    func() time.Time
	// DryRun reports matches without resetting regulations.
	DryRun bool
}

// NewWatcher creates a watcher. The mapper's classifier and key extraction
// turn feed text into regulation identity keys.
func NewWatcher(db *database.DB, mapper *universe.Mapper, feeds []Feed) *Watcher {
	return &Watcher{db: db, mapper: mapper, feeds: feeds, parser: gofeed.NewParser(), now: time.Now}
}

// Check parses every feed, keeps entries within daysBack, and matches their
// citations to tracked regulations.
func (w *Watcher) Check(ctx context.Context, daysBack int) (*Report, error) {
	cutoff := w.now().AddDate(0, 0, -daysBack)
	report := &Report{}

	for _, fc := range w.feeds {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}
		entries, err := w.parseFeed(ctx, fc, name, cutoff)
		if err != nil {
			log.Printf("Failed to parse feed %s: %v", fc.URL, err)
			continue
		}
		log.Printf("Parsed %d entries from %s (within %d days)", len(entries), name, daysBack)
		report.Entries += len(entries)

		for _, e := range entries {
			matches, err := w.match(e)
			if err != nil {
				return report, err
			}
			for _, m := range matches {
				if m.Reset {
					report.Reset++
				}
				report.Matches = append(report.Matches, m)
			}
		}
	}

	log.Printf("Watch complete: %d entries, %d matches, %d regulations reset",
		report.Entries, len(report.Matches), report.Reset)
	return report, nil
}

func (w *Watcher) match(e Entry) ([]Match, error) {
	u := w.mapper.MapText(e.URL, e.Title+"\n\n"+e.Content, e.Jurisdiction)

	var out []Match
	for _, spoke := range u.SpokeReferences {
		reg, err := w.db.GetRegulationByKey(spoke.Key())
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", spoke.Key(), err)
		}

		m := Match{Entry: e, Key: spoke.Key(), RegulationID: reg.ID, PriorStatus: string(reg.Status)}
		if !w.DryRun && reg.Status != universe.StatusPending {
			if err := w.db.ResetRegulation(reg.ID, "updated: "+e.URL); err != nil {
				return nil, fmt.Errorf("resetting %s: %w", spoke.Key(), err)
			}
			m.Reset = true
			log.Printf("Update for %s in %s: reset to pending", spoke.Key(), e.Source)
		}
		out = append(out, m)
	}
	return out, nil
}

func (w *Watcher) parseFeed(ctx context.Context, fc Feed, sourceName string, cutoff time.Time) ([]Entry, error) {
	feed, err := w.parser.ParseURLWithContext(fc.URL, ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, item := range feed.Items {
		if len(entries) >= maxPerFeed {
			break
		}
		entry := parseItem(item, sourceName)
		if entry == nil {
			continue
		}
		entry.Jurisdiction = fc.Jurisdiction
		if isWithinWindow(entry.PublishedDate, cutoff) {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func parseItem(item *gofeed.Item, source string) *Entry {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	if itemURL == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	var publishedDate string
	if item.PublishedParsed != nil {
		publishedDate = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		publishedDate = item.UpdatedParsed.Format("2006-01-02")
	}

	var content string
	if item.Content != "" {
		content = stripHTML(item.Content)
	} else if item.Description != "" {
		content = stripHTML(item.Description)
	}

	return &Entry{
		URL:           itemURL,
		Title:         title,
		PublishedDate: publishedDate,
		Content:       content,
		Source:        source,
	}
}

func isWithinWindow(publishedDate string, cutoff time.Time) bool {
	if publishedDate == "" {
		return true
	}
	pub, err := time.Parse("2006-01-02", publishedDate)
	if err != nil {
		return true
	}
	return !pub.Before(cutoff)
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&sect;", "§", "&#167;", "§",
)

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(entityReplacer.Replace(result.String())), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
