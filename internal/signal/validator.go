package signal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks signals against the field rules declared on ThreatSignal.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration `yaml:"max_age"`
	MaxFuture time.Duration `yaml:"max_future"`
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("threat_type", func(fl validator.FieldLevel) bool {
		return ThreatType(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a signal. Returns an error if validation fails.
func (v *Validator) Validate(s *ThreatSignal) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	if v.maxAge > 0 && s.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", s.Timestamp, v.maxAge)
	}
	if v.maxFuture > 0 && s.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", s.Timestamp, v.maxFuture)
	}

	if s.IPAddress == "" && s.UserID == "" && s.SessionID == "" {
		return fmt.Errorf("signal %s carries no ip_address, user_id or session_id", s.ID)
	}

	return nil
}
