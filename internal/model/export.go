package model

// ResultsExport is the top-level JSON structure written by `results --output`.
type ResultsExport struct {
	Email   string         `json:"email"`
	UserID  int64          `json:"user_id"`
	Count   int            `json:"count"`
	Results []ResultExport `json:"results"`
}

// ResultExport holds one stored result for export.
type ResultExport struct {
	ID            int64   `json:"id"`
	TestPaperID   int64   `json:"test_paper_id"`
	TestPaperName string  `json:"test_paper_name,omitempty"`
	FinalScore    float64 `json:"final_score"`
	MaxScore      float64 `json:"max_score,omitempty"`
	Percent       float64 `json:"percent,omitempty"`
	SubmittedAt   string  `json:"submitted_at,omitempty"`
	Answered      int     `json:"answered"`
}
