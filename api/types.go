package api

import (
	"github.com/ruteri/secretvault/interfaces"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type RegisterBuilderRequest struct {
	Name string `json:"name"`
}

type CreateDataRequest struct {
	Collection string                `json:"collection"`
	Data       []interfaces.Document `json:"data"`
}

type CreateDataResponse struct {
	Created []string `json:"created"`
}

type ReadDataRequest struct {
	Collection string            `json:"collection"`
	Filter     interfaces.Filter `json:"filter"`
}

type ReadDataResponse struct {
	Data []interfaces.Document `json:"data"`
}

type UpdateDataRequest struct {
	Collection string              `json:"collection"`
	Filter     interfaces.Filter   `json:"filter"`
	Set        interfaces.Document `json:"set"`
}

type DeleteDataRequest struct {
	Collection string            `json:"collection"`
	Filter     interfaces.Filter `json:"filter"`
}

type DeleteDataResponse struct {
	Deleted int `json:"deleted"`
}

// CreateOwnedDataRequest stores user owned documents. The ACL is granted by
// the user; an empty grantee means the builder that delegated the request.
type CreateOwnedDataRequest struct {
	Collection string                `json:"collection"`
	Data       []interfaces.Document `json:"data"`
	ACL        interfaces.ACL        `json:"acl"`
}

type UserDataResponse struct {
	Data []interfaces.DataReference `json:"data"`
}

type GrantAccessRequest struct {
	Collection string         `json:"collection"`
	Document   string         `json:"document"`
	ACL        interfaces.ACL `json:"acl"`
}

type RevokeAccessRequest struct {
	Collection string         `json:"collection"`
	Document   string         `json:"document"`
	Grantee    interfaces.DID `json:"grantee"`
}

type RunQueryRequest struct {
	ID        string         `json:"_id"`
	Variables map[string]any `json:"variables,omitempty"`
}
