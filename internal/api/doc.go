// Package api exposes the ShadowStream REST surface: vault management,
// merchant listings, agent credentials, analytics and the pay-and-call
// settlement entry point.
package api
