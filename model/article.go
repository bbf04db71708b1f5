package model

import "time"

// Article is the ingress payload delivered by the feed fetcher. URL is
// the durable identity; fetchers must not deliver duplicates.
type Article struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary"`
	Source      string    `json:"source"`
	Category    string    `json:"category"`
	Author      string    `json:"author"`
	PublishedAt string    `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}
