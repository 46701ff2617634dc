package telemetry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RecoveryIDSource mints correlation IDs for a single recovery/freeze
// escalation event, so a soft-recovery-request log line, the keyframe
// that eventually satisfies it, and any client-side freeze log can be
// joined by one value across the host/client boundary. ULIDs are used
// instead of UUIDv4 so IDs sort lexicographically by the time they were
// minted, which is convenient when grepping logs for an incident.
type RecoveryIDSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRecoveryIDSource seeds a monotonic entropy source. Sharing one
// instance across goroutines is required for the monotonic guarantee
// within the same millisecond, hence the mutex.
func NewRecoveryIDSource() *RecoveryIDSource {
	return &RecoveryIDSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// New mints a new correlation ID for timestamp now.
func (s *RecoveryIDSource) New(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy)
	return id.String()
}
