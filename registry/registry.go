// Package registry tracks echo sessions: the ones currently running, and a
// time-limited history of the ones that have finished.
package registry

import (
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/echorelay/echo"
	"github.com/patrickmn/go-cache"
)

// Summary describes a finished session.
type Summary struct {
	ID          uint32
	Remote      string
	BytesEchoed uint64
	State       echo.State
	Err         string
	Started     time.Time
	Ended       time.Time
}

// Duration returns how long the session ran.
func (s Summary) Duration() time.Duration {
	return s.Ended.Sub(s.Started)
}

// Registry is safe for concurrent use.
type Registry struct {
	live    sync.Map // uint32 -> *echo.Session
	history *cache.Cache
}

// New creates a Registry keeping finished-session summaries for retention.
// A non-positive retention keeps them for the life of the Registry.
func New(retention time.Duration) *Registry {
	cleanup := 2 * retention
	if retention <= 0 {
		retention = cache.NoExpiration
		cleanup = 0
	}

	return &Registry{history: cache.New(retention, cleanup)}
}

// Add records s as running.
func (r *Registry) Add(s *echo.Session) {
	r.live.Store(s.ID(), s)
}

// Finish moves s from the running set to the history. err is the value
// returned by s.Handle.
func (r *Registry) Finish(s *echo.Session, err error) Summary {
	r.live.Delete(s.ID())

	sum := Summary{
		ID:          s.ID(),
		Remote:      s.RemoteAddr(),
		BytesEchoed: s.BytesEchoed(),
		State:       s.State(),
		Started:     s.StartedAt(),
		Ended:       time.Now(),
	}
	if err != nil {
		sum.Err = err.Error()
	}

	r.history.Set(key(s.ID()), sum, cache.DefaultExpiration)
	return sum
}

// LiveCount returns the number of running sessions.
func (r *Registry) LiveCount() int {
	n := 0
	r.live.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

// History returns the summary of a finished session if it is still retained.
func (r *Registry) History(id uint32) (Summary, bool) {
	v, ok := r.history.Get(key(id))
	if !ok {
		return Summary{}, false
	}

	return v.(Summary), true
}

// HistoryCount returns how many finished sessions are retained. Expired
// entries not yet cleaned up may be included.
func (r *Registry) HistoryCount() int {
	return r.history.ItemCount()
}

// CloseAll closes every running session's connection, which makes their
// Handle loops return.
func (r *Registry) CloseAll() {
	r.live.Range(func(_, v any) bool {
		_ = v.(*echo.Session).Close()
		return true
	})
}

func key(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
