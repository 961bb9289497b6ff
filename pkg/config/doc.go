// Package config loads hirebridge settings from HIREBRIDGE_* environment
// variables and validates them.
//
// The only required variable is the central database:
//
//	HIREBRIDGE_DATABASE_URL="postgres://localhost/hirebridge?sslmode=disable"
//
// Tenants come from a YAML registry:
//
//	HIREBRIDGE_TENANTS_FILE="/etc/hirebridge/tenants.yaml"
//	HIREBRIDGE_TENANTS_WATCH="true"
//
// Scheduled reconciliation:
//
//	HIREBRIDGE_SYNC_SCHEDULE="0 */6 * * *"
//	HIREBRIDGE_SYNC_CONCURRENCY="4"
//
// Public key cache:
//
//	HIREBRIDGE_KEY_CACHE="redis"  # memory, redis
//	HIREBRIDGE_REDIS_URL="redis://localhost:6379"
//	HIREBRIDGE_KEY_CACHE_TTL="24h"
package config
