// Package main (cmd/vaultctl) is the command line client of the system.
//
// Vault commands read a YAML client config:
//
//	nodes:
//	  - url: http://127.0.0.1:8080
//	    did: did:nil:02...
//	  - url: http://127.0.0.1:8180
//	    did: did:nil:03...
//	private_key: <builder key hex>
//	builder_name: demo
//	key:
//	  threshold: 0
//
// Examples:
//
//	vaultctl keypair
//	vaultctl builder register
//	vaultctl collection create --name contacts --schema @schema.json
//	vaultctl record create --collection $ID --data '[{"name":"a","phone":{"%allot":"555"}}]'
//	vaultctl record find --collection $ID --filter '{"name":"a"}'
//	vaultctl signing keygen --cluster signers.yaml --coordinator-key $KEY
package main
