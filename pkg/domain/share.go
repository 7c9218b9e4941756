package domain

// ShareRoot is a directory exposed for browsing. Token is only stable for
// the lifetime of the process.
type ShareRoot struct {
	Token string `json:"token"`
	Path  string `json:"-"`
	Name  string `json:"name"`
}

type Entry struct {
	Link  string `json:"link"`
	Label string `json:"label"`
	Dir   bool   `json:"dir"`
}

type Listing struct {
	Path   string  `json:"path"`
	Shares []Entry `json:"shares"`
	Dirs   []Entry `json:"dirs"`
	Files  []Entry `json:"files"`
}
