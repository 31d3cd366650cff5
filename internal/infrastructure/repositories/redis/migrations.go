package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix            = "meshcall:"
	schemaVersionKey     = keyPrefix + "schema:version"
	activeCallsKey       = keyPrefix + "calls:active"
	currentSchemaVersion = 2
)

// Migration represents a schema step over the key space.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: active call index
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				// an empty set does not exist in Redis; nothing to create
				_, err := client.Exists(ctx, activeCallsKey).Result()
				return err
			},
		},
		{
			// 2: drop index entries whose session is gone
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.SMembers(ctx, activeCallsKey).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := client.Exists(ctx, keyPrefix+"call:"+id).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, activeCallsKey, id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
