/*
Package signing runs threshold ECDSA over secp256k1 with tss-lib.

A key is generated by every signer node together; each node keeps only its
own LocalPartySaveData in a ShareStore and the private key never exists in
one place. A signature is produced by any threshold+1 of the nodes.

Nodes exchange protocol messages as cbor encoded Envelopes. A Router on
every node buffers envelopes per session, so messages that arrive before the
local party has started are not lost. LocalNetwork connects in-process
nodes; HTTPTransport posts envelopes to peers' /v1/tss/messages endpoint.

The Coordinator is the client side: it starts ceremonies on the nodes,
checks that they agree on the outcome and verifies every signature against
the stored public key before returning it.
*/
package signing
