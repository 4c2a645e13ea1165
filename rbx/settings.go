package rbx

import (
	"time"
)

const (
	defaultPollingInterval time.Duration = time.Second * 3
	defaultBatchSize       int           = 100
	defaultMaxAttempts     int           = 10
	defaultBackoffBase     time.Duration = time.Millisecond * 200
	defaultBackoffCap      time.Duration = time.Minute * 10
	defaultPublishTimeout  time.Duration = time.Second * 10
	defaultStoreTimeout    time.Duration = time.Second * 5
	defaultLeaseDuration   time.Duration = time.Second * 30
)

// Settings holds the general relay configuration.
type Settings struct {
	EnableDispatcher bool          // enables the dispatcher using the polling publisher pattern
	PollingInterval  time.Duration // interval between database pollings by the dispatcher
	BatchSize        int           // maximum number of records selected in each polling
	MaxAttempts      int           // failed attempts after which a record is dead lettered
	BackoffBase      time.Duration // delay after the first failed attempt
	BackoffCap       time.Duration // maximum delay between attempts
	Jitter           float64       // fraction of the delay randomly removed, in [0, 1]
	PublishTimeout   time.Duration // maximum wait for a broker acknowledgment
	StoreTimeout     time.Duration // timeout of each store operation done by the dispatcher
	LeaseDuration    time.Duration // validity of the outbox lock, renewed before each record; must exceed PublishTimeout + 2*StoreTimeout
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = defaultMaxAttempts
		}
		if s.BackoffBase <= 0 {
			s.BackoffBase = defaultBackoffBase
		}
		if s.BackoffCap < s.BackoffBase {
			s.BackoffCap = max(defaultBackoffCap, s.BackoffBase)
		}
		if s.Jitter < 0 || s.Jitter > 1 {
			s.Jitter = 0
		}
		if s.PublishTimeout <= 0 {
			s.PublishTimeout = defaultPublishTimeout
		}
		if s.StoreTimeout <= 0 {
			s.StoreTimeout = defaultStoreTimeout
		}
		// the lease must cover a renewal, one delivery and its bookkeeping
		if minLease := s.PublishTimeout + 2*s.StoreTimeout; s.LeaseDuration <= minLease {
			s.LeaseDuration = max(defaultLeaseDuration, 2*minLease)
		}
	}
}
