// Package node implements a secret-vault storage node.
//
// A node stores one share set of every record. It never sees plaintext for
// fields the client marked secret: those arrive as {"%share": ...} objects
// and are filtered, projected and summed as opaque values.
//
// Builders (organisations) register with the node and own collections and
// saved queries. Owned collections hold user data: each document records the
// user that owns it and an access control list of the builders the user has
// granted read, write or execute access to.
package node
