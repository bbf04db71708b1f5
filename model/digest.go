package model

// CuratedPick is one selected unit plus the curator's written reason and
// total score.
type CuratedPick struct {
	Unit   InformationUnit `json:"unit"`
	Score  float64         `json:"score"`
	Reason string          `json:"reason"`
}

// Digest is the curated output handed to the renderer/sender
// collaborator. The core neither formats HTML nor speaks SMTP.
type Digest struct {
	Date          string        `json:"date"`
	DailySummary  string        `json:"daily_summary"`
	TopPicks      []CuratedPick `json:"top_picks"`
	QuickReads    []CuratedPick `json:"quick_reads"`
	HotEntities   []HotEntity   `json:"hot_entities"`
	TotalReviewed int           `json:"total_reviewed"`
	TotalSelected int           `json:"total_selected"`
}

// SelectedIDs returns the unit ids of every pick in the digest.
func (d *Digest) SelectedIDs() []string {
	ids := make([]string, 0, len(d.TopPicks)+len(d.QuickReads))
	for _, p := range d.TopPicks {
		ids = append(ids, p.Unit.ID)
	}
	for _, p := range d.QuickReads {
		ids = append(ids, p.Unit.ID)
	}
	return ids
}
