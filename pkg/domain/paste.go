package domain

// Paste is one ingested payload. Rows are never updated or deleted.
type Paste struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	CreatedAt float64 `json:"created_at"`
	Content   []byte  `json:"content"`
	Size      int64   `json:"size"`
	IsText    bool    `json:"is_text"`
}

// ContentType is the media type a paste is served with.
func (p *Paste) ContentType() string {
	if p.IsText {
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

type Summary struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	MinutesAgo int64  `json:"minutes_ago"`
	Content    string `json:"content"`
	Size       int64  `json:"size"`
	IsText     bool   `json:"is_text"`
}
