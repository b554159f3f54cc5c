// Package server hosts the Fiber HTTP service: the request-id, recover and
// metrics middleware chain, the optional /-/ diagnostics endpoints, and the
// exact-match router that hands each request to one relay handler. It also
// owns the shared upstream http.Client so every handler talks to the release
// host through one tuned transport.
package server
