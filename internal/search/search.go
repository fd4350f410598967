package search

// Result is a single comment search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Snippet    string `json:"snippet"`
	SnapshotID string `json:"snapshotId"`
	AuthorName string `json:"authorName"`
	Status     string `json:"status"`
}

// Query describes a comment search request.
type Query struct {
	Text             string
	FilterSnapshotID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comments.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment. Drafts and archived
// comments are never indexed.
type CommentRecord struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	ElementText string `json:"elementText"`
	SnapshotID  string `json:"snapshotId"`
	AuthorName  string `json:"authorName"`
	Status      string `json:"status"`
}
