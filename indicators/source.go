package indicators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

// DocumentSource reads indicators from user_indicator documents, one per
// user keyed by user id.
type DocumentSource struct {
	store storage.Store
}

// NewDocumentSource returns a source over store.
func NewDocumentSource(store storage.Store) *DocumentSource {
	return &DocumentSource{store: store}
}

// UserIndicators loads the user's document, falling back to the most recent
// document carrying the user id.
func (s *DocumentSource) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	doc, err := s.store.GetByID(ctx, storage.KindUserIndicator, userID)
	if errors.Is(err, storage.ErrNotFound) {
		docs, searchErr := s.store.Search(ctx, storage.KindUserIndicator, storage.NewQueryFilter().
			Term("user_id", userID).
			Sort("updated_at", false).
			Page(1, 0))
		if searchErr != nil {
			return stress.Indicators{}, fmt.Errorf("search indicators for %s: %w", userID, searchErr)
		}
		if len(docs) == 0 {
			return stress.Indicators{}, fmt.Errorf("user %s: %w", userID, stress.ErrNoIndicators)
		}
		doc, err = docs[0], nil
	}
	if err != nil {
		return stress.Indicators{}, fmt.Errorf("get indicators for %s: %w", userID, err)
	}
	ind := fromDocument(doc)
	if ind.UserID == "" {
		ind.UserID = userID
	}
	return ind, nil
}

// Save writes ind as the user's document.
func (s *DocumentSource) Save(ctx context.Context, ind stress.Indicators) error {
	if ind.UserID == "" {
		return fmt.Errorf("save indicators: %w: empty user id", stress.ErrInvalidParameter)
	}
	if err := s.store.IndexDocument(ctx, storage.KindUserIndicator, ind.UserID, toDocument(ind)); err != nil {
		return fmt.Errorf("save indicators for %s: %w", ind.UserID, err)
	}
	return nil
}

func toDocument(ind stress.Indicators) storage.Document {
	doc := storage.Document{"user_id": ind.UserID}
	set := func(key string, v float64) {
		if v > 0 {
			doc[key] = v
		}
	}
	set("threshold_power", ind.ThresholdPower)
	set("threshold_hr", ind.ThresholdHR)
	set("max_hr", ind.MaxHR)
	set("threshold_pace", ind.ThresholdPace)
	set("weight", ind.Weight)
	if ind.Age > 0 {
		doc["age"] = int64(ind.Age)
	}
	if ind.Gender != "" {
		doc["gender"] = ind.Gender
	}
	updated := ind.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	doc["updated_at"] = updated.UTC().Format(time.RFC3339)
	return doc
}

func fromDocument(doc storage.Document) stress.Indicators {
	num := func(key string) float64 {
		v, _ := storage.ToFloat(doc[key])
		return v
	}
	ind := stress.Indicators{
		ThresholdPower: num("threshold_power"),
		ThresholdHR:    num("threshold_hr"),
		MaxHR:          num("max_hr"),
		ThresholdPace:  num("threshold_pace"),
		Weight:         num("weight"),
		Age:            int(num("age")),
	}
	ind.UserID, _ = doc["user_id"].(string)
	ind.Gender, _ = doc["gender"].(string)
	switch t := doc["updated_at"].(type) {
	case time.Time:
		ind.UpdatedAt = t.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			ind.UpdatedAt = parsed.UTC()
		}
	}
	return ind
}

// Chain asks each source in order and returns the first hit. A source error
// other than stress.ErrNoIndicators is kept and returned only when no later
// source has the user.
type Chain []stress.IndicatorSource

// UserIndicators implements stress.IndicatorSource.
func (c Chain) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		ind, err := src.UserIndicators(ctx, userID)
		if err == nil {
			return ind, nil
		}
		if !errors.Is(err, stress.ErrNoIndicators) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return stress.Indicators{}, errors.Join(errs...)
	}
	return stress.Indicators{}, fmt.Errorf("user %s: %w", userID, stress.ErrNoIndicators)
}
