/*
Package clients provides Go clients for the storage node and signer node
HTTP APIs.

A NodeClient talks to one node. Every request carries a bearer token minted
by a TokenSource for the node DID and the command of the route, so the same
client type serves builders (self-issued root tokens) and users (invocations
of a builder delegation).

# Example Usage

	kp, _ := cryptoutils.KeypairFromHex(builderKeyHex)
	tokens := clients.TokenSourceFunc(func(node interfaces.DID, cmd string) (string, error) {
	    return nuc.RootToken(kp, node, cmd, time.Minute)
	})
	client := clients.NewNodeClient("http://node-1:8080", nodeDID, tokens)

	profile, err := client.RegisterBuilder(ctx, "acme")

SignerClient drives one signer node; NewCoordinator builds a
signing.Coordinator over every peer of a signer cluster config.

Errors returned for non-2xx responses wrap the matching sentinel of the
interfaces package, so errors.Is(err, interfaces.ErrNotFound) works across
the wire.
*/
package clients
