package indicators

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasjlepore/peakflow/storage"
	"github.com/lucasjlepore/peakflow/stress"
)

type staticSource struct {
	ind   stress.Indicators
	err   error
	calls int
	saves int
}

func (s *staticSource) Save(ctx context.Context, ind stress.Indicators) error {
	s.saves++
	s.ind = ind
	return nil
}

type readOnlySource struct{}

func (readOnlySource) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	return stress.Indicators{}, stress.ErrNoIndicators
}

func (s *staticSource) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	s.calls++
	if s.err != nil {
		return stress.Indicators{}, s.err
	}
	out := s.ind
	out.UserID = userID
	return out, nil
}

func TestDocumentSourceRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	src := NewDocumentSource(store)
	ctx := context.Background()

	updated := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
	want := stress.Indicators{
		UserID:         "u1",
		ThresholdPower: 265,
		ThresholdHR:    168,
		ThresholdPace:  4.25,
		Weight:         71.5,
		Age:            38,
		Gender:         "female",
		UpdatedAt:      updated,
	}
	if err := src.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := src.UserIndicators(ctx, "u1")
	if err != nil {
		t.Fatalf("UserIndicators: %v", err)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, updated)
	}
	got.UpdatedAt = want.UpdatedAt
	if got != want {
		t.Fatalf("unexpected indicators:\n got  %+v\n want %+v", got, want)
	}

	doc, err := store.GetByID(ctx, storage.KindUserIndicator, "u1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if _, ok := doc["max_hr"]; ok {
		t.Fatalf("expected unset max_hr to be omitted, got %v", doc["max_hr"])
	}
}

func TestDocumentSourceSearchFallback(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	ctx := context.Background()
	docs := []storage.Document{
		{storage.IDField: "old", "user_id": "u1", "threshold_power": 240.0, "updated_at": "2023-01-01T00:00:00Z"},
		{storage.IDField: "new", "user_id": "u1", "threshold_power": int64(255), "updated_at": "2024-01-01T00:00:00Z"},
	}
	if ir := store.BulkIndex(ctx, storage.KindUserIndicator, docs); ir.Failed != 0 {
		t.Fatalf("seed: %+v", ir)
	}
	got, err := NewDocumentSource(store).UserIndicators(ctx, "u1")
	if err != nil {
		t.Fatalf("UserIndicators: %v", err)
	}
	if got.ThresholdPower != 255 {
		t.Fatalf("expected most recent document, got %+v", got)
	}

	if _, err := NewDocumentSource(store).UserIndicators(ctx, "nobody"); !errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected ErrNoIndicators, got %v", err)
	}
}

func TestDocumentSourceStoreFailure(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	store.FailTransport(errors.New("connection reset"))
	_, err := NewDocumentSource(store).UserIndicators(context.Background(), "u1")
	if err == nil || errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := NewDocumentSource(store).Save(context.Background(), stress.Indicators{}); !errors.Is(err, stress.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for empty user, got %v", err)
	}
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	down := &staticSource{err: errors.New("postgres unavailable")}
	empty := &staticSource{err: stress.ErrNoIndicators}
	hit := &staticSource{ind: stress.Indicators{ThresholdHR: 172}}

	got, err := Chain{down, empty, hit}.UserIndicators(ctx, "u1")
	if err != nil || got.ThresholdHR != 172 {
		t.Fatalf("expected hit from last source, got %+v, %v", got, err)
	}

	_, err = Chain{empty, nil}.UserIndicators(ctx, "u1")
	if !errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected ErrNoIndicators, got %v", err)
	}

	_, err = Chain{down, empty}.UserIndicators(ctx, "u1")
	if err == nil || errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected the source failure to surface, got %v", err)
	}
}

func TestChainFeedsResolver(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	if err := NewDocumentSource(store).Save(context.Background(), stress.Indicators{UserID: "u1", ThresholdPower: 310}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r := stress.NewResolver(Chain{&staticSource{err: stress.ErrNoIndicators}, NewDocumentSource(store)}, nil)
	th := r.Resolve(context.Background(), stress.ResolveInput{UserID: "u1"})
	if th.Power != (stress.Threshold{Value: 310, Source: stress.SourceUserIndicator}) {
		t.Fatalf("expected stored FTP, got %+v", th.Power)
	}
}

func TestIndicatorCodec(t *testing.T) {
	in := stress.Indicators{
		UserID:         "u1",
		ThresholdPower: 280,
		MaxHR:          191,
		Age:            44,
		UpdatedAt:      time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	data, err := encodeIndicators(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeIndicators(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Fatalf("updated_at = %v, want %v", out.UpdatedAt, in.UpdatedAt)
	}
	out.UpdatedAt = in.UpdatedAt
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if _, err := decodeIndicators([]byte{0xc1}); err == nil {
		t.Fatalf("expected decode error for invalid payload")
	}
}

func TestRedisCacheDegradesWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	next := &staticSource{ind: stress.Indicators{ThresholdPower: 290}}
	cache := NewRedisCache(client, next, time.Minute, nil)
	got, err := cache.UserIndicators(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserIndicators: %v", err)
	}
	if got.ThresholdPower != 290 || next.calls != 1 {
		t.Fatalf("expected fallthrough to the backing source, got %+v (calls %d)", got, next.calls)
	}

	missing := NewRedisCache(client, &staticSource{err: stress.ErrNoIndicators}, 0, nil)
	if _, err := missing.UserIndicators(context.Background(), "u2"); !errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected ErrNoIndicators, got %v", err)
	}
}

func TestRedisCacheLive(t *testing.T) {
	addr := os.Getenv("PEAKFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PEAKFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)
	defer client.Close()

	next := &staticSource{ind: stress.Indicators{ThresholdHR: 166}}
	cache := NewRedisCache(client, next, time.Minute, nil)
	userID := "test-" + time.Now().Format("150405.000000")
	defer cache.Invalidate(ctx, userID)

	for i := 0; i < 3; i++ {
		got, err := cache.UserIndicators(ctx, userID)
		if err != nil || got.ThresholdHR != 166 {
			t.Fatalf("read %d: got %+v, %v", i, got, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one backing lookup, got %d", next.calls)
	}
	if ttl := client.TTL(ctx, cacheKey(userID)).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := cache.Save(ctx, stress.Indicators{UserID: userID, ThresholdHR: 171}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := client.Exists(ctx, cacheKey(userID)).Val(); n != 0 {
		t.Fatalf("expected cached entry dropped after save")
	}
	if got, err := cache.UserIndicators(ctx, userID); err != nil || got.ThresholdHR != 171 || next.calls != 2 {
		t.Fatalf("expected fresh read after save, got %+v, %v (calls %d)", got, err, next.calls)
	}
}

func TestRedisCacheSaveWritesThrough(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()
	ctx := context.Background()

	tests := []struct {
		name    string
		next    stress.IndicatorSource
		wantErr bool
	}{
		{name: "writable source", next: &staticSource{}},
		{name: "read-only source", next: readOnlySource{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewRedisCache(client, tt.next, time.Minute, nil)
			err := cache.Save(ctx, stress.Indicators{UserID: "u1", ThresholdPower: 305})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save error = %v, wantErr %v", err, tt.wantErr)
			}
			if src, ok := tt.next.(*staticSource); ok && (src.saves != 1 || src.ind.ThresholdPower != 305) {
				t.Fatalf("expected write to reach the source despite the cache being down, got %+v", src)
			}
		})
	}
}

func TestIndicatorRowNulls(t *testing.T) {
	row := indicatorRow{
		userID:         "u1",
		thresholdPower: sql.NullFloat64{Float64: 250, Valid: true},
		age:            sql.NullInt64{},
		gender:         sql.NullString{},
		updatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
	got := row.indicators()
	if got.ThresholdPower != 250 || got.ThresholdHR != 0 || got.Age != 0 || got.Gender != "" {
		t.Fatalf("unexpected indicators %+v", got)
	}
	if got.UpdatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", got.UpdatedAt.Location())
	}
	if v := nullFloat(0); v.Valid {
		t.Fatalf("expected zero to map to NULL")
	}
}

func TestPostgresRepositoryLive(t *testing.T) {
	dsn := os.Getenv("PEAKFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PEAKFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	repo, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	userID := "test-" + time.Now().Format("150405.000000")
	defer repo.Delete(ctx, userID)

	if _, err := repo.UserIndicators(ctx, userID); !errors.Is(err, stress.ErrNoIndicators) {
		t.Fatalf("expected ErrNoIndicators before insert, got %v", err)
	}
	for _, ftp := range []float64{240, 260} {
		if err := repo.Save(ctx, stress.Indicators{UserID: userID, ThresholdPower: ftp, ThresholdHR: 170}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := repo.UserIndicators(ctx, userID)
	if err != nil {
		t.Fatalf("UserIndicators: %v", err)
	}
	if got.ThresholdPower != 260 || got.ThresholdHR != 170 || got.MaxHR != 0 {
		t.Fatalf("unexpected indicators %+v", got)
	}
}
