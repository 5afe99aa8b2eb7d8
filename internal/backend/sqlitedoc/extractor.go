package sqlitedoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"extractd/internal/extract"
)

// Extractor opens sealed documents and round-trips their fields through the
// worker's Session.
type Extractor struct{}

var _ extract.Extractor = Extractor{}

func (Extractor) Extract(ctx context.Context, es extract.Session, req extract.Request) (extract.Data, error) {
	sess, ok := es.(*Session)
	if !ok {
		return nil, fmt.Errorf("sqlitedoc: unsupported session %T", es)
	}
	if !sess.Running() {
		return nil, extract.Errorf(extract.KindBackendUnavailable, "workspace is not running")
	}

	sealed := req.Payload
	if req.PayloadPath != "" {
		b, err := os.ReadFile(req.PayloadPath)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		sealed = b
	}

	plain, err := Open(sealed, req.Credential)
	switch {
	case errors.Is(err, ErrWrongKey):
		return nil, extract.Errorf(extract.KindAuthentication, "credential rejected")
	case err != nil:
		return nil, extract.Wrap(extract.KindParse, "envelope", err)
	}

	fields, err := flatten(plain)
	if err != nil {
		return nil, extract.Wrap(extract.KindParse, "document", err)
	}

	if err := stabilize(ctx, req.StabilizationDelay); err != nil {
		return nil, err
	}

	if err := sess.Load(ctx, req.TaskID, fields); err != nil {
		return nil, backendErr(ctx, "load", err)
	}
	rows, err := sess.Fields(ctx, req.TaskID)
	if err != nil {
		return nil, backendErr(ctx, "read back", err)
	}
	out := make(extract.Data, len(rows))
	for _, kv := range rows {
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// stabilize waits delay milliseconds before the backend is touched.
func stabilize(ctx context.Context, delay uint) error {
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backendErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errNotRunning) {
		return extract.Wrap(extract.KindBackendUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// flatten decodes a YAML or JSON mapping into dotted keys with string values.
// Sequences are stored as JSON.
func flatten(doc []byte) (map[string]string, error) {
	var root any
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top level is %s, want a mapping", kindOf(root))
	}
	out := map[string]string{}
	if err := flattenInto(out, "", m); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]string, prefix string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := m[k].(type) {
		case map[string]any:
			if err := flattenInto(out, key, v); err != nil {
				return err
			}
		case []any:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			out[key] = string(b)
		case nil:
			out[key] = ""
		case time.Time:
			out[key] = v.UTC().Format(time.RFC3339)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "empty"
	case []any:
		return "a sequence"
	default:
		return "a scalar"
	}
}
