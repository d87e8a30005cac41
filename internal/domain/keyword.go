package domain

// Category is a spending category. Priority breaks classifier ties: higher wins.
type Category struct {
	Name     string `json:"name" yaml:"name"`
	Priority int    `json:"priority" yaml:"priority"`
}

// CategoryKeyword links a keyword to a category with a learned weight.
// Weight is kept within [0, cap] by the learning loop.
type CategoryKeyword struct {
	Keyword  string  `json:"keyword"`
	Category string  `json:"category"`
	Weight   float64 `json:"weight"`
}

// KeywordKey identifies a keyword row.
type KeywordKey struct {
	Keyword  string
	Category string
}

// Key returns the identity of the row.
func (k CategoryKeyword) Key() KeywordKey {
	return KeywordKey{Keyword: k.Keyword, Category: k.Category}
}

// ClampWeight bounds w to [0, limit]. A non-positive limit only applies the floor.
func ClampWeight(w, limit float64) float64 {
	if w < 0 {
		return 0
	}
	if limit > 0 && w > limit {
		return limit
	}
	return w
}
