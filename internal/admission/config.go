package admission

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRetentionHorizon is how long an idle key's history is kept when the
// config does not say otherwise.
const DefaultRetentionHorizon = time.Hour

// ErrInvalidConfig wraps every quota config validation failure.
var ErrInvalidConfig = errors.New("invalid quota config")

// Config holds the quota policy. It is built once at startup and never changed.
type Config struct {
	// MaxPerPhoneNumber is the number of messages one business phone number may send per Window
	MaxPerPhoneNumber int
	// MaxPerAccount is the number of messages one account may send per Window, across all its numbers
	MaxPerAccount int
	// Window is the length of the rolling window
	Window time.Duration
	// RetentionHorizon is how long history of an idle key survives reclamation.
	// Zero means DefaultRetentionHorizon.
	RetentionHorizon time.Duration
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.RetentionHorizon == 0 {
		c.RetentionHorizon = DefaultRetentionHorizon
	}
	return c
}

// Validate returns every problem with c joined into one error, or nil.
// Each problem wraps ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.MaxPerPhoneNumber <= 0 {
		errs = append(errs, fmt.Errorf("%w: max per phone number must be positive (got %d)", ErrInvalidConfig, c.MaxPerPhoneNumber))
	}
	if c.MaxPerAccount <= 0 {
		errs = append(errs, fmt.Errorf("%w: max per account must be positive (got %d)", ErrInvalidConfig, c.MaxPerAccount))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("%w: window must be positive (got %s)", ErrInvalidConfig, c.Window))
	}
	if c.RetentionHorizon <= 0 {
		errs = append(errs, fmt.Errorf("%w: retention horizon must be positive (got %s)", ErrInvalidConfig, c.RetentionHorizon))
	} else if c.Window > 0 && c.RetentionHorizon < c.Window {
		// reclaiming entries still inside the window would hand out quota that was already spent
		errs = append(errs, fmt.Errorf("%w: retention horizon %s is shorter than window %s", ErrInvalidConfig, c.RetentionHorizon, c.Window))
	}
	return errors.Join(errs...)
}
