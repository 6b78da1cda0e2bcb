/*
Package vault is the client side of the secret vault: it splits records into
per-node share sets, fans requests out to every storage node of a cluster and
reduces the responses.

Reads return a record only when enough nodes contributed a share set for its
_id (every node unless the key uses threshold sharing). Writes succeed only
when every node accepted; a partially applied create is rolled back on the
nodes that accepted it.

Node order matters: share i of every value is sent to node i, so a cluster
must always be listed in the same order. Discovery sorts SRV targets for
that reason.
*/
package vault
