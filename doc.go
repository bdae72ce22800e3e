/*
Package octopus provides an API gateway that forwards requests to the
backend services through a fixed chain of global filters.

Octopus works as an HTTP reverse proxy. Every incoming request is mapped
to a route of the policy file by the longest matching path prefix, and
the host name of the route backend identifies the service. Before the
request is forwarded, the global filters run in order of precedence:

	apiDocsPrefix  rewrites the path keys of OpenAPI documents
	ratelimit      counts the requests of a client and bans abusers
	identity       resolves the user or the anonymous device

A filter can serve a response on its own, for example 429 Too Many
Requests, or drop the request, in which case the connection is aborted
without a response. The response side of the filters that ran is
applied in reverse order, so the filter with the highest precedence
sees the final response.

# Policy File

The routes, the rate limit configuration and the whitelists of the
services are read from a single YAML file:

	routes:
	- id: rooms
	  path: /live-room
	  backend: http://live-room:8080
	  strip-prefix: true

	rate-limit:
	  services:
	  - id: live-room
	    default-config:
	      max-requests: 100
	      time-window: 10
	      ban-time: 60
	    interfaces:
	    - path: /live-room/send
	      max-requests: 5

	whitelist:
	  services:
	  - id: live-room
	    urls:
	    - /live-room/public
	    anonymous-urls:
	    - /live-room/list

The file is polled for changes, and a valid new version replaces the
active one atomically. A file that fails to parse is logged and ignored,
the previous version stays active.

# Rate Limiting

The rate limiter counts the requests of a client address on a path in
fixed windows. The request exceeding the limit bans the key for the ban
time, and every request during the ban is rejected with 429. The
counters are kept in Redis or Valkey, shared by all gateway instances,
or in process memory for development. Store failures allow the request.

# Identity

The identity filter resolves the user from the token cookie with the
identity service, and passes it to the backends in the X-User-Login-Id
and X-User-Info-Json headers. Paths whitelisted as anonymous get an
anonymous identifier for the device instead, and a device cookie is
issued when the client did not send a device identifier. Requests
without any identity are dropped, or rejected with the configured
status.

# API Documentation

Responses of /{service}/v3/api-docs are rewritten to prefix every path
with /{service}, so the documentation of all services can be browsed
through the gateway. The gateway serves the aggregated swagger
configuration listing the documentation of the routed services at
/v3/api-docs/swagger-config.

# Running Octopus

The executable in cmd/octopus starts the gateway from command line flags
or a YAML config file:

	octopus -policy-file policy.yaml -ratelimit-backend redis \
		-swarm-redis-urls redis-1:6379,redis-2:6379 \
		-identity-url http://identity:8080

Metrics are exposed in Prometheus format on /metrics, and the health
check on /healthz, of the support listener.
*/
package octopus
