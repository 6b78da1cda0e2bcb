// Package main (cmd/signer) runs one node of a threshold ECDSA signer
// cluster.
//
// Every node of the cluster is started with the same cluster file listing
// the peers (URL and DID) and the threshold t. A key generated by the
// cluster exists only as shares; each node keeps its share in the
// configured share storage, which may be a local directory, an S3 bucket
// or a Vault KV v2 mount. Giving several share-storage URIs stores every
// share redundantly. Any t+1 nodes produce a signature.
//
// Ceremonies are started by coordinators (the demo server or vaultctl) with
// nuc tokens rooted at one of the configured coordinator DIDs. Peers talk
// to each other on /v1/tss/messages with signed envelopes.
//
// Key generation needs Paillier pre-parameters, which take minutes to
// generate. Generate them ahead of time:
//
//	signer preparams --out preparams.json
//
// and start the node with them:
//
//	signer --private-key $KEY --cluster cluster.yaml \
//	  --share-storage file:///var/lib/signer/shares \
//	  --share-storage vault://vault:8200/secret?path=tss \
//	  --coordinator did:nil:02... --preparams preparams.json
package main
