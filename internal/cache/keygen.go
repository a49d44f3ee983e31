package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"
)

// KeyParams contains everything a response key depends on.
type KeyParams struct {
	Task           string
	TaskVersion    int64
	PatientID      string
	PatientVersion int64
	PromptVersion  string
	Model          string
	Temperature    float64
	ContextHash    string
	Epoch          int64
}

// KeyGenerator builds deterministic response keys.
type KeyGenerator struct {
	// Prefix is prepended to all generated keys.
	Prefix string
}

// NewKeyGenerator creates a KeyGenerator with the given prefix.
func NewKeyGenerator(prefix string) *KeyGenerator {
	return &KeyGenerator{Prefix: prefix}
}

// Generate creates the key for params.
// The format is: prefix:resp:<task>:p:<patient>:<sha256> or prefix:resp:<task>:np:<sha256>.
// The readable segments exist so that pattern invalidation can address a task or a patient.
func (g *KeyGenerator) Generate(p KeyParams) string {
	var sb strings.Builder
	sb.WriteString("task:" + p.Task)
	sb.WriteString("|task_version:" + strconv.FormatInt(p.TaskVersion, 10))
	sb.WriteString("|patient_version:" + strconv.FormatInt(p.PatientVersion, 10))
	sb.WriteString("|prompt_version:" + p.PromptVersion)
	sb.WriteString("|model:" + p.Model)
	sb.WriteString("|temperature:" + strconv.FormatFloat(p.Temperature, 'g', -1, 64))
	sb.WriteString("|context:" + p.ContextHash)
	if p.PatientID != "" {
		sb.WriteString("|patient_id:" + p.PatientID)
	}
	if p.Epoch > 0 {
		sb.WriteString("|epoch:" + strconv.FormatInt(p.Epoch, 10))
	}

	hash := sha256.Sum256([]byte(sb.String()))

	var key strings.Builder
	key.WriteString(g.TaskPrefix(p.Task))
	if p.PatientID != "" {
		key.WriteString("p:")
		key.WriteString(segment(p.PatientID))
	} else {
		key.WriteString("np")
	}
	key.WriteString(":")
	key.WriteString(hex.EncodeToString(hash[:]))
	return key.String()
}

// AllPattern matches every response key.
func (g *KeyGenerator) AllPattern() string {
	return g.Prefix + ":resp:*"
}

// TaskPrefix is the key prefix shared by all entries of a task.
func (g *KeyGenerator) TaskPrefix(task string) string {
	return g.Prefix + ":resp:" + segment(task) + ":"
}

// TaskPattern matches every entry of a task.
func (g *KeyGenerator) TaskPattern(task string) string {
	return g.TaskPrefix(task) + "*"
}

// PatientPattern matches every entry of a patient, across tasks.
func (g *KeyGenerator) PatientPattern(patientID string) string {
	return g.Prefix + ":resp:*:p:" + segment(patientID) + ":*"
}

// VersionKey is the key of a task or patient version counter.
func (g *KeyGenerator) VersionKey(subject, id string) string {
	return g.Prefix + ":ver:" + subject + ":" + id
}

// EpochKey is the key of the global epoch bumped by ClearAll on stores without Scanner.
func (g *KeyGenerator) EpochKey() string {
	return g.Prefix + ":ver:epoch"
}

// segment makes an identifier safe to embed in a key and in a glob pattern.
// Distinct ids may share a segment; the hash still separates their entries.
func segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// ContextHash normalizes ctx and returns the hex SHA-256 of its canonical JSON form.
// Fields named in volatile (or ending in "_token" when "_token" is listed) are removed
// at every depth; the remaining document is serialized per RFC 8785.
func ContextHash(ctx map[string]any, volatile map[string]struct{}) (string, error) {
	canonical, err := CanonicalContext(ctx, volatile)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalContext returns the normalized, canonical JSON of ctx.
func CanonicalContext(ctx map[string]any, volatile map[string]struct{}) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	// Round-trip through a generic value so typed structs are normalized too.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	stripped, err := json.Marshal(stripVolatile(generic, volatile))
	if err != nil {
		return nil, fmt.Errorf("marshal normalized context: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalize context: %w", err)
	}
	return canonical, nil
}

func stripVolatile(v any, volatile map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isVolatile(k, volatile) {
				continue
			}
			out[k] = stripVolatile(val, volatile)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripVolatile(val, volatile)
		}
		return out
	default:
		return v
	}
}

func isVolatile(key string, volatile map[string]struct{}) bool {
	if _, ok := volatile[key]; ok {
		return true
	}
	if _, ok := volatile["_token"]; ok && strings.HasSuffix(key, "_token") {
		return true
	}
	return false
}

// PatientFromContext returns the patient id carried in ctx, if any.
func PatientFromContext(ctx map[string]any) string {
	for _, k := range []string{"patient_id", "patientId"} {
		switch v := ctx[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}
