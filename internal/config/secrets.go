package config

import (
	"context"
	"errors"
	"fmt"

	pkgstore "github.com/blueberrycongee/clinigate/pkg/store"
)

// SecretResolver turns a reference such as env://NAME or vault://path#key into its value.
type SecretResolver interface {
	Get(ctx context.Context, ref string) (string, error)
}

// WithResolvedSecrets returns a copy of c with credential fields resolved.
// c itself is left untouched so status and checksums keep the references.
// Store credentials are only resolved for the selected store type.
func (c *Config) WithResolvedSecrets(ctx context.Context, r SecretResolver) (*Config, error) {
	out := *c
	sqlStore := c.Store.Type == pkgstore.TypeSQLite || c.Store.Type == pkgstore.TypePostgres
	fields := []struct {
		name string
		ptr  *string
		used bool
	}{
		{"provider.api_key", &out.Provider.APIKey, true},
		{"store.redis.password", &out.Store.Redis.Password, c.Store.Type == pkgstore.TypeRedis},
		{"store.sql.dsn", &out.Store.SQL.DSN, sqlStore},
		{"alerts.slack.webhook_url", &out.Alerts.Slack.WebhookURL, true},
	}

	var errs []error
	for _, f := range fields {
		if !f.used || *f.ptr == "" {
			continue
		}
		v, err := r.Get(ctx, *f.ptr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		*f.ptr = v
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &out, nil
}
