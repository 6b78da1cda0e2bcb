package storage

import (
	"fmt"

	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
)

func documentID(doc interfaces.Document) (string, error) {
	id, ok := doc["_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: _id must be a non-empty string", interfaces.ErrInvalidDocument)
	}
	return id, nil
}

func cloneDocument(doc interfaces.Document) interfaces.Document {
	return docquery.Clone(doc).(map[string]any)
}

func matches(doc interfaces.Document, filter interfaces.Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	ok, err := docquery.Match(doc, filter)
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
	}
	return ok, nil
}

// checkBatch validates ids and rejects duplicates within the batch itself.
func checkBatch(docs []interfaces.Document) ([]string, error) {
	ids := make([]string, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		id, err := documentID(d)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s appears twice", interfaces.ErrDuplicate, id)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}
	return ids, nil
}
