// Package fieldcrypt encrypts an entity's sensitive fields on the way into the
// store and decrypts them on the way out. Each row records which fields were
// encrypted so that rows written under an older sensitive set still read back
// correctly.
package fieldcrypt

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/crypto"
	"github.com/ehr/recordvault/internal/platform/entity"
)

// DecryptionFailed replaces a field whose stored value could not be decrypted.
const DecryptionFailed = "<decryption_failed>"

// Middleware applies the codec to the sensitive fields of entity records.
type Middleware struct {
	codec  *crypto.Codec
	index  *crypto.BlindIndexer
	logger zerolog.Logger
}

// New returns a Middleware. index may be nil when no entity declares an
// indexed field.
func New(codec *crypto.Codec, index *crypto.BlindIndexer, logger zerolog.Logger) *Middleware {
	return &Middleware{
		codec:  codec,
		index:  index,
		logger: logger.With().Str("component", "fieldcrypt").Logger(),
	}
}

// TypeError is returned when a sensitive field holds a non-string value.
type TypeError struct {
	Field string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("field %q must be a string, got %T", e.Field, e.Value)
}

// EncryptFields encrypts every sensitive field present in data with a non-nil
// value. It returns a new record and the names of the fields it encrypted, in
// declaration order; data is not modified.
func (m *Middleware) EncryptFields(ent *entity.Entity, data entity.Record) (entity.Record, []string, error) {
	out := data.Clone()
	if out == nil {
		out = entity.Record{}
	}
	encrypted := []string{}
	for _, field := range ent.SensitiveFields() {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, nil, &TypeError{Field: field, Value: v}
		}
		ct, err := m.codec.Encrypt(s)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypt %s.%s: %w", ent.Name(), field, err)
		}
		out[field] = ct
		encrypted = append(encrypted, field)
	}
	return out, encrypted, nil
}

// BlindIndexes computes the blind index of every indexed sensitive field
// present in plain, which must be the record before encryption.
func (m *Middleware) BlindIndexes(ent *entity.Entity, tenantID string, plain entity.Record) map[string]string {
	out := map[string]string{}
	if m.index == nil {
		return out
	}
	for _, field := range ent.SensitiveFields() {
		if !ent.IsIndexed(field) {
			continue
		}
		if s, ok := plain[field].(string); ok {
			out[field] = m.index.Index(tenantID, field, s)
		}
	}
	return out
}

// IndexValue returns the blind index used to look up value in field.
func (m *Middleware) IndexValue(tenantID, field, value string) (string, bool) {
	if m.index == nil {
		return "", false
	}
	return m.index.Index(tenantID, field, value), true
}

// DecryptFields decrypts the fields listed in the row's marker and strips the
// marker from the result. A field that fails to decrypt is logged and replaced
// with DecryptionFailed; the rest of the row is still returned.
func (m *Middleware) DecryptFields(ent *entity.Entity, row entity.Record) entity.Record {
	if row == nil {
		return nil
	}
	out := row.Clone()
	delete(out, entity.MarkerField)

	for _, field := range m.fieldsToDecrypt(ent, row) {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			m.decryptFailed(ent, row, field, fmt.Errorf("%w: stored value is %T", crypto.ErrMalformedCiphertext, v))
			out[field] = DecryptionFailed
			continue
		}
		pt, err := m.codec.Decrypt(s)
		if err != nil {
			m.decryptFailed(ent, row, field, err)
			out[field] = DecryptionFailed
			continue
		}
		out[field] = pt
	}
	return out
}

// DecryptObjectArray applies DecryptFields to every row.
func (m *Middleware) DecryptObjectArray(ent *entity.Entity, rows []entity.Record) []entity.Record {
	out := make([]entity.Record, len(rows))
	for i, row := range rows {
		out[i] = m.DecryptFields(ent, row)
	}
	return out
}

// fieldsToDecrypt returns the row's marker, or every sensitive field when the
// marker is absent and the entity opted into the legacy fallback. Marked
// fields are honoured even if they have since left the sensitive set.
func (m *Middleware) fieldsToDecrypt(ent *entity.Entity, row entity.Record) []string {
	marker, ok := Marker(row)
	if ok {
		return marker
	}
	if ent.LegacyMarkerFallback() {
		return ent.SensitiveFields()
	}
	return nil
}

func (m *Middleware) decryptFailed(ent *entity.Entity, row entity.Record, field string, err error) {
	id, _ := row[entity.FieldID].(string)
	m.logger.Warn().Err(err).
		Str("entity", ent.Name()).
		Str("field", field).
		Str("row_id", id).
		Msg("field decryption failed")
}

// Marker reads the encrypted-field marker from a stored row. It accepts the
// forms produced by the store ([]string) and by JSON decoding ([]any).
func Marker(row entity.Record) ([]string, bool) {
	switch v := row[entity.MarkerField].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// MergeMarker computes the marker for a row after an update: fields that were
// overwritten by the patch lose their old status, and the fields encrypted by
// the patch are added. hadMarker is false for rows written without one.
func MergeMarker(ent *entity.Entity, oldMarker []string, hadMarker bool, patch entity.Record, encrypted []string) []string {
	var base []string
	switch {
	case hadMarker:
		base = oldMarker
	case ent.LegacyMarkerFallback():
		base = ent.SensitiveFields()
	}

	seen := make(map[string]bool, len(base)+len(encrypted))
	merged := []string{}
	for _, f := range base {
		if _, patched := patch[f]; patched || seen[f] {
			continue
		}
		seen[f] = true
		merged = append(merged, f)
	}
	for _, f := range encrypted {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}
	return merged
}
