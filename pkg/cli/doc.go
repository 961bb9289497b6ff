// Package cli implements the hirebridge-cli operator tool.
//
// # Commands
//
// resync: Run a master-data pass for one tenant or all linked tenants
//
//	hirebridge-cli resync --tenants tenants.yaml --tenant acme
//	hirebridge-cli resync --tenants tenants.yaml --all --concurrency 8
//
// Preview what a pass would write to an empty tenant, without a database:
//
//	hirebridge-cli resync --tenant acme --dry-run
//
// public-key: Fetch an upstream platform's public key
//
//	hirebridge-cli public-key --domain https://acme.hr.example.com
//
// tenants: List the registry and each tenant's upstream link
//
//	hirebridge-cli tenants --tenants tenants.yaml
//
// migrate: Apply schema migrations to the central database or every tenant
//
//	hirebridge-cli migrate --target central --dsn postgres://...
//	hirebridge-cli migrate --target tenants --tenants tenants.yaml
package cli
