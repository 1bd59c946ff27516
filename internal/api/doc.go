// Package api exposes the marketplace over HTTP: service discovery and
// registration, the two-phase fulfillment protocol, transaction history with
// ratings, and spending status. Errors are rendered as {code, message, metadata}.
package api
