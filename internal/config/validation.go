package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	return newConfigurationValidator(c).validate()
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

func (cv *configurationValidator) validate() error {
	if err := cv.validateStore(); err != nil {
		return err
	}
	if err := cv.validateRepositories(); err != nil {
		return err
	}
	if err := cv.validateDurations(); err != nil {
		return err
	}
	if err := cv.validateEscalation(); err != nil {
		return err
	}
	return cv.validateImages()
}

func (cv *configurationValidator) validateStore() error {
	if cv.config.CacheDir == "" {
		return errors.ConfigInvalid("cache_dir", "must not be empty")
	}
	if cv.config.IndexDir == "" {
		return errors.ConfigInvalid("index_dir", "must not be empty")
	}
	if cv.config.Workers <= 0 {
		return errors.ConfigInvalid("workers", "must be positive")
	}
	return nil
}

func (cv *configurationValidator) validateRepositories() error {
	seen := make(map[string]bool, len(cv.config.Repositories))
	for _, raw := range cv.config.Repositories {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return errors.ConfigInvalid("repositories", fmt.Sprintf("not an absolute URL: %q", raw))
		}
		switch u.Scheme {
		case "http", "https", "file":
		case "s3":
			if !cv.config.S3.Enabled {
				return errors.ConfigInvalid("repositories", fmt.Sprintf("%s requires s3.enabled", raw))
			}
		case "gs":
			if !cv.config.GCS.Enabled {
				return errors.ConfigInvalid("repositories", fmt.Sprintf("%s requires gcs.enabled", raw))
			}
		default:
			return errors.ConfigInvalid("repositories", fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}
		if seen[raw] {
			return errors.ConfigInvalid("repositories", fmt.Sprintf("duplicate repository: %s", raw))
		}
		seen[raw] = true
	}
	return nil
}

func (cv *configurationValidator) validateDurations() error {
	fields := map[string]string{
		"index_lifespan":   cv.config.IndexLifespan,
		"refresh_interval": cv.config.RefreshInterval,
		"fetch.timeout":    cv.config.Fetch.Timeout,
	}
	if cv.config.Escalation.Backoff != "" {
		fields["escalation.initial"] = cv.config.Escalation.Initial
		fields["escalation.max"] = cv.config.Escalation.Max
	}
	for field, raw := range fields {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.ConfigInvalid(field, fmt.Sprintf("invalid duration %q", raw))
		}
		if d <= 0 {
			return errors.ConfigInvalid(field, "must be positive")
		}
	}
	return nil
}

func (cv *configurationValidator) validateEscalation() error {
	mode := cv.config.Escalation.Backoff
	if mode == "" {
		return nil
	}
	if NormalizeRetryBackoff(string(mode)) == "" {
		return errors.ConfigInvalid("escalation.backoff", fmt.Sprintf("unsupported backoff %q", mode))
	}
	initial, maxDelay := cv.config.EscalationDelays()
	if maxDelay < initial {
		return errors.ConfigInvalid("escalation.max", "must be >= escalation.initial")
	}
	return nil
}

func (cv *configurationValidator) validateImages() error {
	for _, format := range cv.config.Images.Reencode {
		switch strings.ToLower(format) {
		case "bmp", "tiff", "webp", "gif", "jpeg":
		default:
			return errors.ConfigInvalid("images.reencode", fmt.Sprintf("unsupported format %q", format))
		}
	}
	return nil
}
