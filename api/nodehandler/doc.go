// Package nodehandler serves the storage node HTTP API.
//
// Every route except GET /about requires a bearer token addressed to the
// node. Builder routes act for the root issuer of the token chain, so a
// builder may delegate narrowed commands to its own services. User routes
// act for the token's issuer.
package nodehandler
