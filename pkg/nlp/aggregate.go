package nlp

import (
	"sort"
	"strings"

	"github.com/recallio/audio-ingest/pkg/models"
)

// topPersonLimit caps the person aggregate; the leading persons double as
// the conversation's main topics.
const topPersonLimit = 5

// BuildAggregates derives the conversation-level summaries from per-segment
// annotations: the sentiment histogram, per-entity-type counts, and the most
// mentioned persons. Inputs are indexed by segment position; nil sentiment
// entries and empty entity slices are skipped.
func BuildAggregates(sentiments []*models.SegmentSentiment, entities [][]models.Entity) (map[models.SentimentLabel]int, map[models.EntityType]int, []models.PersonMention) {
	histogram := make(map[models.SentimentLabel]int)
	for _, s := range sentiments {
		if s == nil {
			continue
		}
		histogram[s.Label]++
	}

	typeCounts := make(map[models.EntityType]int)
	persons := make(map[string]*models.PersonMention)

	for turn, mentions := range entities {
		for _, entity := range mentions {
			typeCounts[entity.Type]++
			if entity.Type != models.EntityPerson {
				continue
			}
			name := strings.TrimSpace(entity.Text)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			p, ok := persons[key]
			if !ok {
				persons[key] = &models.PersonMention{
					Name:             name,
					MentionCount:     1,
					AvgConfidence:    entity.Confidence,
					FirstMentionTurn: turn,
					LastMentionTurn:  turn,
				}
				continue
			}
			// Running average keeps a single pass over the mentions.
			p.AvgConfidence = (p.AvgConfidence*float64(p.MentionCount) + entity.Confidence) / float64(p.MentionCount+1)
			p.MentionCount++
			p.LastMentionTurn = turn
		}
	}

	top := make([]models.PersonMention, 0, len(persons))
	for _, p := range persons {
		top = append(top, *p)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].MentionCount != top[j].MentionCount {
			return top[i].MentionCount > top[j].MentionCount
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > topPersonLimit {
		top = top[:topPersonLimit]
	}

	return histogram, typeCounts, top
}
