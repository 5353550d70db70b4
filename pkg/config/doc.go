/*
Package config loads the tierd configuration.

Configuration comes from three layers, each overriding the previous one:

 1. Built-in defaults (Default)
 2. The YAML file, /etc/tierd/config.yaml unless --config says otherwise
 3. TIERD_* environment variables

A missing file is not an error; the daemon runs on defaults. Sizes accept
units ("256MiB", "512GB") and modes accept octal strings ("0755").

# Example

	log_level: info
	scan_interval: 3m
	allow_reformat: false
	managed_dirs:
	  - name: log
	    path: /var/log
	    size: 256MiB
	    mode: "0755"
	services:
	  - ssh.service
	update:
	  repository: cuemby/tierd
	  restart: true

Validate rejects values the daemon cannot run with, reporting every
problem at once.
*/
package config
