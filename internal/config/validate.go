package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	cterrors "github.com/xtxerr/chronotier/internal/errors"
)

var validate = validator.New()

// Validate checks the configuration for errors. Struct tag rules run first,
// then the cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, cterrors.NewValidation(fe.Namespace(), describe(fe)))
			}
		} else {
			errs = append(errs, err)
		}
	}

	// Timeframe table
	reg, err := c.Registry()
	if err != nil {
		errs = append(errs, fmt.Errorf("timeframes: %w", err))
	}

	if reg != nil {
		for _, name := range sortedKeys(c.Coherence.Tolerances) {
			if !reg.Has(name) {
				continue
			}
			if tol := c.Coherence.Tolerances[name]; tol <= 0 || tol >= 1 {
				errs = append(errs, cterrors.NewInvalidValue("coherence.tolerances."+name, tol, "must be in (0, 1)"))
			}
		}
		for _, name := range sortedKeys(c.Cache.TTL) {
			if !reg.Has(name) {
				continue
			}
			if c.Cache.TTL[name] <= 0 {
				errs = append(errs, cterrors.NewInvalidValue("cache.ttl."+name, c.Cache.TTL[name], "must be positive"))
			}
		}
	}

	// Symbols
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if seen[s] {
			errs = append(errs, cterrors.NewInvalidValue("symbols", s, "duplicate symbol"))
		}
		seen[s] = true
	}

	// Cache layer
	if c.Cache.Layer == "redis" && c.Cache.Redis.Addr == "" {
		errs = append(errs, cterrors.NewMissingField("cache.redis.addr"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed '%s=%s' (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed '%s'", fe.Tag())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
