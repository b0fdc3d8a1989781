// Package stores persists deployment state in SQLite.
//
// The store records, per stack:
//
//   - resources: the input hash and outputs of every provisioned resource,
//     keyed by URN, which the engine's planner uses to skip unchanged requests;
//   - runs: one row per deployment with its status and summary counts;
//   - events: the ordered timeline of each run;
//   - outputs: the stack outputs published by each run.
//
// Secret outputs are sealed with NaCl secretbox under a key derived with
// scrypt from a passphrase (TSTACK_PASSPHRASE). The salt and a check value
// live in the meta table. Without a passphrase secrets are not written at
// all; resources that had secret outputs load with SecretsUnavailable set so
// the engine refreshes them from the provider.
//
// The schema is embedded and applied with golang-migrate. Backup and Restore
// move gzip-compressed VACUUM INTO snapshots.
package stores
