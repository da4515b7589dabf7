package occurrence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kashcal/sync-core/internal/cache"
	"github.com/kashcal/sync-core/internal/store"
)

// queryCacheTTL bounds how long a cached day-range answer is trusted
// between Store notifications; §5 treats the Store as the single source of
// truth, so this is a belt-and-suspenders expiry, not the primary
// invalidation path.
const queryCacheTTL = 5 * time.Minute

// QueryCache serves Store.OccurrencesForDayRange reads from an in-memory
// TTL cache, invalidated whenever Store reports a write to the queried
// calendar — never by the sync engine signaling it directly (§5 "any
// in-memory cache... must be invalidated by Store's change notifications").
type QueryCache struct {
	store store.Store
	cache *cache.Cache[string, []store.OccurrenceRow]
	now   func() time.Time

	mu          sync.Mutex
	unsubscribe map[string]func()
	keysByCal   map[string]map[string]struct{}
}

// NewQueryCache wraps s. Every distinct calendarID queried registers one
// Store.Subscribe hook on first use; subsequent writes to that calendar
// evict every day-range entry cached for it.
func NewQueryCache(s store.Store) *QueryCache {
	return &QueryCache{
		store:       s,
		cache:       cache.New[string, []store.OccurrenceRow](queryCacheTTL),
		now:         time.Now,
		unsubscribe: make(map[string]func()),
		keysByCal:   make(map[string]map[string]struct{}),
	}
}

// OccurrencesForDayRange returns calendarID's occurrences within dr,
// serving from cache when a prior call populated it and no write has
// landed since.
func (q *QueryCache) OccurrencesForDayRange(ctx context.Context, calendarID string, dr store.DayRange) ([]store.OccurrenceRow, error) {
	q.ensureSubscribed(calendarID)

	key := cacheKey(calendarID, dr)
	if rows, ok := q.cache.Get(key); ok {
		return rows, nil
	}

	rows, err := q.store.OccurrencesForDayRange(ctx, calendarID, dr)
	if err != nil {
		return nil, err
	}
	q.cache.Set(key, rows, q.now().Add(queryCacheTTL))

	q.mu.Lock()
	if q.keysByCal[calendarID] == nil {
		q.keysByCal[calendarID] = make(map[string]struct{})
	}
	q.keysByCal[calendarID][key] = struct{}{}
	q.mu.Unlock()

	return rows, nil
}

// ensureSubscribed registers calendarID's invalidation hook exactly once.
func (q *QueryCache) ensureSubscribed(calendarID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.unsubscribe[calendarID]; ok {
		return
	}
	q.unsubscribe[calendarID] = q.store.Subscribe(calendarID, func() {
		q.invalidate(calendarID)
	})
}

func (q *QueryCache) invalidate(calendarID string) {
	q.mu.Lock()
	keys := q.keysByCal[calendarID]
	delete(q.keysByCal, calendarID)
	q.mu.Unlock()

	for key := range keys {
		q.cache.Delete(key)
	}
}

// Close unsubscribes from every calendar this cache ever queried.
func (q *QueryCache) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, unsub := range q.unsubscribe {
		unsub()
	}
}

func cacheKey(calendarID string, dr store.DayRange) string {
	return fmt.Sprintf("%s:%d:%d", calendarID, dr.StartDay, dr.EndDay)
}
