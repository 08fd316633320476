package groupmeta

import (
	"bytes"
	"testing"

	"github.com/tinylib/msgp/msgp"
)

func encodeKeyedMap(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteMapHeader(uint32(len(fields))); err != nil {
		t.Fatalf("WriteMapHeader: %v", err)
	}
	for k, v := range fields {
		if err := w.WriteString(k); err != nil {
			t.Fatalf("WriteString(key): %v", err)
		}
		switch val := v.(type) {
		case int:
			if err := w.WriteInt(val); err != nil {
				t.Fatalf("WriteInt: %v", err)
			}
		case string:
			if err := w.WriteString(val); err != nil {
				t.Fatalf("WriteString(val): %v", err)
			}
		case bool:
			if err := w.WriteBool(val); err != nil {
				t.Fatalf("WriteBool: %v", err)
			}
		case []int:
			if err := w.WriteArrayHeader(uint32(len(val))); err != nil {
				t.Fatalf("WriteArrayHeader: %v", err)
			}
			for _, e := range val {
				if err := w.WriteInt(e); err != nil {
					t.Fatalf("WriteInt(elem): %v", err)
				}
			}
		case map[string]interface{}:
			sub := encodeKeyedMap(t, val)
			if _, err := w.Write(sub); err != nil {
				t.Fatalf("write nested map: %v", err)
			}
		default:
			t.Fatalf("unsupported field type %T", val)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return buf.Bytes()
}

func encodeBareArray(t *testing.T, ids []int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteArrayHeader(uint32(len(ids))); err != nil {
		t.Fatalf("WriteArrayHeader: %v", err)
	}
	for _, id := range ids {
		if err := w.WriteInt(id); err != nil {
			t.Fatalf("WriteInt: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeKeyedMap(t *testing.T) {
	blob := encodeKeyedMap(t, map[string]interface{}{
		"version":   int(2),
		"couple":    []int{83, 17, 42},
		"namespace": "default",
		"frozen":    false,
		"service": map[string]interface{}{
			"status": "MIGRATING",
			"job_id": "job-1",
		},
	})

	md, err := NewDecoder().Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if md.Version != 2 {
		t.Errorf("Version = %d, want 2", md.Version)
	}
	if got, want := md.Couple, []int{17, 42, 83}; !intsEqual(got, want) {
		t.Errorf("Couple = %v, want %v (sorted)", got, want)
	}
	if md.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", md.Namespace)
	}
	if md.Frozen {
		t.Error("Frozen = true, want false")
	}
	if md.Service == nil || !md.Service.Migrating || md.Service.JobID != "job-1" {
		t.Errorf("Service = %+v, want migrating job-1", md.Service)
	}
}

func TestDecodeKeyedMapUnknownFieldIsSkipped(t *testing.T) {
	blob := encodeKeyedMap(t, map[string]interface{}{
		"version":        int(1),
		"couple":         []int{1, 2},
		"namespace":      "ns1",
		"frozen":         true,
		"future_field_x": "ignore-me",
	})

	md, err := NewDecoder().Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !md.Frozen {
		t.Error("Frozen = false, want true")
	}
	if md.Namespace != "ns1" {
		t.Errorf("Namespace = %q, want ns1", md.Namespace)
	}
}

func TestDecodeLegacyBareArray(t *testing.T) {
	blob := encodeBareArray(t, []int{42, 17, 83})

	md, err := NewDecoder().Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if md.Version != 1 {
		t.Errorf("Version = %d, want 1", md.Version)
	}
	if got, want := md.Couple, []int{17, 42, 83}; !intsEqual(got, want) {
		t.Errorf("Couple = %v, want %v", got, want)
	}
	if md.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", md.Namespace)
	}
	if md.Frozen {
		t.Error("Frozen = true, want false")
	}
	if md.Service != nil {
		t.Errorf("Service = %+v, want nil", md.Service)
	}
}

func TestDecodeEmptyMapDefaultsNamespace(t *testing.T) {
	blob := encodeKeyedMap(t, map[string]interface{}{})

	md, err := NewDecoder().Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if md.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", md.Namespace)
	}
}

func TestDecodeRejectsScalarTopLevel(t *testing.T) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteInt(42); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := NewDecoder().Decode(buf.Bytes()); err == nil {
		t.Error("Decode of scalar top-level value: got nil error, want error")
	}
}

func TestDecodeRejectsNonPositiveCoupleElement(t *testing.T) {
	blob := encodeBareArray(t, []int{17, 0, 42})

	if _, err := NewDecoder().Decode(blob); err == nil {
		t.Error("Decode with zero group id: got nil error, want error")
	}
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
