package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paywall-trigger-engine/internal/config"
	"paywall-trigger-engine/internal/paywall"
)

type Postgres struct {
	pool    *pgxpool.Pool
	channel string
}

func New(ctx context.Context, cfg config.Config) (*Postgres, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Postgres{pool: pool, channel: cfg.Listener.Channel}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the key-value table backing the durable store.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_store (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create kv_store: %w", err)
	}
	return nil
}

// LoadConfig loads all active triggers with their ordered rules and variants, plus the known paywalls.
func (s *Postgres) LoadConfig(ctx context.Context) (*paywall.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT t.event_name,
		       r.rule_key, r.expression, r.script_predicate, r.max_count,
		       v.variant_id, v.variant_type, v.paywall_identifier, v.percentage
		FROM triggers t
		LEFT JOIN trigger_rules r ON r.event_name = t.event_name
		LEFT JOIN rule_variants v ON v.rule_key = r.rule_key
		WHERE t.status = 'ACTIVE'
		ORDER BY t.event_name, r.position, v.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var (
		order    []string
		triggers = map[string]*paywall.Trigger{}
	)
	for rows.Next() {
		var (
			event                                   string
			ruleKey, expr, script                   sql.NullString
			maxCount, percentage                    sql.NullInt32
			variantID, variantType, paywallIdentity sql.NullString
		)
		if err := rows.Scan(&event, &ruleKey, &expr, &script, &maxCount,
			&variantID, &variantType, &paywallIdentity, &percentage); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		t, ok := triggers[event]
		if !ok {
			t = &paywall.Trigger{EventName: event}
			triggers[event] = t
			order = append(order, event)
		}
		if !ruleKey.Valid {
			continue
		}

		n := len(t.Rules)
		if n == 0 || t.Rules[n-1].Key != ruleKey.String {
			rule := paywall.Rule{Key: ruleKey.String}
			if expr.Valid {
				rule.Expression = &expr.String
			}
			if script.Valid {
				rule.ScriptPredicate = &script.String
			}
			if maxCount.Valid {
				rule.Occurrence = &paywall.Occurrence{MaxCount: int(maxCount.Int32)}
			}
			t.Rules = append(t.Rules, rule)
			n++
		}
		if variantID.Valid {
			t.Rules[n-1].VariantCandidates = append(t.Rules[n-1].VariantCandidates, paywall.Variant{
				Type:              paywall.VariantType(variantType.String),
				ID:                variantID.String,
				PaywallIdentifier: paywallIdentity.String,
				Percentage:        int(percentage.Int32),
			})
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	paywalls, err := s.loadPaywalls(ctx)
	if err != nil {
		return nil, err
	}

	// flatten map → slice
	out := make([]paywall.Trigger, 0, len(order))
	for _, name := range order {
		out = append(out, *triggers[name])
	}
	return paywall.NewConfig(out, paywalls), nil
}

func (s *Postgres) loadPaywalls(ctx context.Context) ([]paywall.PaywallConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identifier, COALESCE(name, ''), COALESCE(url, ''),
		       COALESCE(presentation_condition, ''), COALESCE(presentation_style, ''), products
		FROM paywalls ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("query paywalls: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (paywall.PaywallConfig, error) {
		var p paywall.PaywallConfig
		err := row.Scan(&p.Identifier, &p.Name, &p.URL, &p.PresentationCondition, &p.Style, &p.Products)
		return p, err
	})
}

func (s *Postgres) ListenChannel() string {
	if s.channel != "" {
		return s.channel
	}
	return "paywall_config_change"
}

func (s *Postgres) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

// KV exposes the pool as a durable Store. Closing it closes the pool.
func (s *Postgres) KV() Store { return pgKV{s} }

type pgKV struct{ pg *Postgres }

func (k pgKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := k.pg.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", key, err)
	}
	return v, true, nil
}

func (k pgKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := k.pg.pool.Exec(ctx, `
		INSERT INTO kv_store (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (k pgKV) Close() error {
	k.pg.Close()
	return nil
}
