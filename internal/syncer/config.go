package syncer

import "time"

// Config is the immutable configuration handed to the orchestrator.
type Config struct {
	DeviceID               string
	DedupWindow            time.Duration
	StudentSyncInterval    time.Duration
	AttendanceSyncInterval time.Duration
	// CleanupDays is the retention of synced events and local audit rows.
	CleanupDays int
	// CleanupHour is the local hour of day (0-23) at which retention runs once.
	CleanupHour      int
	RegistrarTimeout time.Duration
	// StoreTimeout bounds every single store call made by a cycle.
	StoreTimeout time.Duration
	Retry        RetryPolicy
}

// DefaultConfig mirrors the defaults of config.Load.
func DefaultConfig() Config {
	return Config{
		DedupWindow:            10 * time.Minute,
		StudentSyncInterval:    time.Hour,
		AttendanceSyncInterval: 5 * time.Minute,
		CleanupDays:            30,
		CleanupHour:            0,
		RegistrarTimeout:       10 * time.Second,
		StoreTimeout:           30 * time.Second,
		Retry:                  DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.StudentSyncInterval <= 0 {
		c.StudentSyncInterval = d.StudentSyncInterval
	}
	if c.AttendanceSyncInterval <= 0 {
		c.AttendanceSyncInterval = d.AttendanceSyncInterval
	}
	if c.CleanupDays < 0 {
		c.CleanupDays = d.CleanupDays
	}
	if c.CleanupHour < 0 || c.CleanupHour > 23 {
		c.CleanupHour = d.CleanupHour
	}
	if c.RegistrarTimeout <= 0 {
		c.RegistrarTimeout = d.RegistrarTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	return c
}

// TickInterval is the scheduler sleep between ticks: the shorter cadence.
func (c Config) TickInterval() time.Duration {
	return min(c.StudentSyncInterval, c.AttendanceSyncInterval)
}

// RetryPolicy bounds how often a transiently failing event is re-sent.
type RetryPolicy struct {
	// MaxAttempts is the attempt count at which a still-failing event is moved to
	// failed.
	MaxAttempts int
	// BaseBackoff is the wait after the first failed attempt; it doubles with each
	// further attempt up to MaxBackoff. Zero retries on every cycle.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy gives up after ten attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseBackoff: 30 * time.Second, MaxBackoff: 30 * time.Minute}
}

// Backoff returns the wait required after the given number of attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Eligible reports whether an event with the given attempt history may be sent now.
func (p RetryPolicy) Eligible(attempts int, lastAttempt *time.Time, now time.Time) bool {
	if attempts == 0 || lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(p.Backoff(attempts)))
}

// Exhausted reports whether attempts reached the cap.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
