// Package envelope builds the canonical JSON body forwarded to destinations.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	FieldTenantID       = "tenant_id"
	FieldEndpointID     = "endpoint_id"
	FieldKnowledgeRefID = "knowledge_ref_id"
)

// Build merges the caller's JSON object with the gateway-owned identity
// fields. Identity fields always overwrite caller values, and a caller-sent
// knowledge_ref_id is dropped when the endpoint has none. A caller body that
// is not a JSON object contributes nothing.
func Build(tenantID, endpointID, knowledgeRefID string, callerBody []byte) ([]byte, error) {
	merged := decodeObject(callerBody)
	if merged == nil {
		merged = make(map[string]any, 3)
	}

	delete(merged, FieldKnowledgeRefID)
	merged[FieldTenantID] = tenantID
	merged[FieldEndpointID] = endpointID
	if knowledgeRefID != "" {
		merged[FieldKnowledgeRefID] = knowledgeRefID
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// decodeObject returns body as a map, or nil when it is not exactly one
// well-formed JSON object. Numbers stay json.Number so values like 99.99 are
// re-encoded verbatim.
func decodeObject(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil
	}
	return obj
}
