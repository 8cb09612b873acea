// Package config loads errbot's JSON or YAML configuration, validates it and
// hot-reloads it on file changes.
//
// Minimal YAML example:
//
//	telegram:
//	  token: "123:abc"
//	  chat_id: -1001234
//	  urgent_chat_id: -1005678
//	  owner_user_ids: [42]
//	pipeline:
//	  max_errors_per_minute: 20
//	  quiet_hours: {enabled: true, start_hour: 23, end_hour: 7, timezone: "Europe/Berlin"}
//	storage: {driver: sqlite, path: ./errbot.db}
package config
