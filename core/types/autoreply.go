package types

type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchPartial MatchType = "partial"
	MatchKeyword MatchType = "keyword"
)

// AutoReplyRule is one canned trigger/response pair. Triggers are
// normalized before being indexed.
type AutoReplyRule struct {
	Trigger   string    `json:"trigger"`
	MatchType MatchType `json:"matchType"`
	Content   string    `json:"content"`
}
