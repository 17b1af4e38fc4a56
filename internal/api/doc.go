// Package api exposes the HTTP surface of the marketplace: capability
// listing and registration, ungated and orchestrated execution, and the
// compliance-gated execution path.
package api
