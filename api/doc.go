/*
Package api holds the wire types shared by the HTTP handlers and clients of
the secret vault services.

The subpackages are organized by service:

  - nodehandler: storage node API (builders, collections, data, owned data, queries)
  - gatewayhandler: OpenAI compatible LLM gateway authenticated with tokens
  - signerhandler: threshold ECDSA signer node API
  - demohandler: demo application API combining the three clients
  - clients: Go clients for the node and signer APIs

Every JSON error response has the form {"error": "..."}; StatusFor maps the
sentinel errors of the interfaces and nuc packages to HTTP status codes.
*/
package api
