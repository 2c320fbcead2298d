// Package server hosts the streamcast control API and HLS delivery from a
// single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, rate limiting, metrics, and logging so handlers all share
// common protections and instrumentation. Admin routes additionally sit
// behind bearer-token auth.
package server
