package storage

import "fmt"

// IndexError is one document that failed to index.
type IndexError struct {
	DocID  string `json:"doc_id"`
	Reason string `json:"reason"`
}

// IndexingResult accounts for a bulk write. Success+Failed always equals the
// number of documents submitted.
type IndexingResult struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []IndexError `json:"errors,omitempty"`
}

// AddSuccess counts n indexed documents.
func (r *IndexingResult) AddSuccess(n int) {
	if n > 0 {
		r.Success += n
	}
}

// AddFailure counts n failed documents and records their reasons.
func (r *IndexingResult) AddFailure(n int, errs ...IndexError) {
	if n > 0 {
		r.Failed += n
	}
	r.Errors = append(r.Errors, errs...)
}

// FailAll marks every document in docs as failed with err.
func (r *IndexingResult) FailAll(docs []Document, err error) {
	reason := fmt.Sprintf("transport: %v", err)
	errs := make([]IndexError, 0, len(docs))
	for _, d := range docs {
		errs = append(errs, IndexError{DocID: d.ID(), Reason: reason})
	}
	r.AddFailure(len(docs), errs...)
}

// Merge folds other into r.
func (r *IndexingResult) Merge(other IndexingResult) {
	r.Success += other.Success
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}

// Submitted returns Success+Failed.
func (r IndexingResult) Submitted() int {
	return r.Success + r.Failed
}
