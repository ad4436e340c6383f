/*
Package config loads and validates the daemon configuration.

Configuration is YAML layered over defaults: Default() gives a runnable
single-process setup (memory broker, /var/lib/umbra, :8080), Load reads
a file on top of it, Validate catches inconsistent values before
anything is wired. Example:

	broker:
	  kind: nats
	  url: nats://bus.fleet.internal:4222
	  backoff:
	    min_delay: 200ms
	    max_delay: 20s
	shadow:
	  shard_count: 128
	  prune_applied: true
	log:
	  level: info
	  json: true
*/
package config
