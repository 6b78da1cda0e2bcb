package node

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/secretvault/interfaces"
)

func toDocument(v any) (interfaces.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc interfaces.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return doc, nil
}

func fromDocument(doc interfaces.Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func dataCollection(id string) string {
	return dataPrefix + id
}

// checkUserFields rejects client supplied fields in the reserved "_"
// namespace other than _id.
func checkUserFields(doc interfaces.Document) error {
	for k := range doc {
		if k != "_id" && strings.HasPrefix(k, "_") {
			return fmt.Errorf("%w: field %s is reserved", interfaces.ErrInvalidDocument, k)
		}
	}
	return nil
}

// withoutMetadata returns a shallow copy of doc without node maintained fields.
func withoutMetadata(doc interfaces.Document) interfaces.Document {
	out := make(interfaces.Document, len(doc))
	for k, v := range doc {
		switch k {
		case FieldCreated, FieldOwner, FieldACL:
			continue
		}
		out[k] = v
	}
	return out
}

func aclDocument(acl interfaces.ACL) map[string]any {
	return map[string]any{
		"grantee": acl.Grantee.String(),
		"read":    acl.Read,
		"write":   acl.Write,
		"execute": acl.Execute,
	}
}

func documentACL(doc interfaces.Document) []interfaces.ACL {
	list, _ := doc[FieldACL].([]any)
	out := make([]interfaces.ACL, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		grantee, _ := m["grantee"].(string)
		read, _ := m["read"].(bool)
		write, _ := m["write"].(bool)
		execute, _ := m["execute"].(bool)
		out = append(out, interfaces.ACL{
			Grantee: interfaces.DID(grantee),
			Read:    read,
			Write:   write,
			Execute: execute,
		})
	}
	return out
}

func aclList(acls []interfaces.ACL) []any {
	out := make([]any, len(acls))
	for i, a := range acls {
		out[i] = aclDocument(a)
	}
	return out
}

type permission int

const (
	permRead permission = iota
	permWrite
	permExecute
)

// permitted reports whether did may access an owned document. The owning user
// always may.
func permitted(doc interfaces.Document, did interfaces.DID, p permission) bool {
	if owner, _ := doc[FieldOwner].(string); owner == did.String() {
		return true
	}
	for _, acl := range documentACL(doc) {
		if acl.Grantee != did {
			continue
		}
		switch p {
		case permRead:
			return acl.Read
		case permWrite:
			return acl.Write
		case permExecute:
			return acl.Execute
		}
	}
	return false
}

func documentIDs(docs []interfaces.Document) []any {
	ids := make([]any, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
