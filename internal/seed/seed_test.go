package seed

import "testing"

type fakeRegistry map[string]bool

func (f fakeRegistry) HasPipeline(name string) bool { return f[name] }

func TestParseValid(t *testing.T) {
	reg := fakeRegistry{"p1": true}
	s, err := Parse([]byte(`{"name":"s1","data":{"x":1},"pipeline":"p1"}`), reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "s1" || s.Pipeline != "p1" {
		t.Errorf("s = %+v", s)
	}
}

func TestParseRejectsUnknownPipeline(t *testing.T) {
	reg := fakeRegistry{"p1": true}
	_, err := Parse([]byte(`{"name":"s1","data":{},"pipeline":"ghost"}`), reg)
	if err == nil {
		t.Fatal("expected rejection of unregistered pipeline")
	}
}

func TestParseRejectsAdditionalProperties(t *testing.T) {
	reg := fakeRegistry{"p1": true}
	_, err := Parse([]byte(`{"name":"s1","data":{},"pipeline":"p1","bogus":true}`), reg)
	if err == nil {
		t.Fatal("expected rejection of additional property")
	}
}

func TestParseRejectsOverlongName(t *testing.T) {
	reg := fakeRegistry{"p1": true}
	long := make([]byte, maxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	body := `{"name":"` + string(long) + `","data":{},"pipeline":"p1"}`
	_, err := Parse([]byte(body), reg)
	if err == nil {
		t.Fatal("expected rejection of overlong name")
	}
}

func TestParseAllowsOptionalFields(t *testing.T) {
	reg := fakeRegistry{"p1": true}
	_, err := Parse([]byte(`{"name":"s1","data":{},"pipeline":"p1","metadata":{"a":1},"context":{"b":2}}`), reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParseReportsMultipleReasons(t *testing.T) {
	_, err := Parse([]byte(`{"name":"","pipeline":""}`), nil)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Reasons) < 2 {
		t.Errorf("expected multiple reasons, got %v", ve.Reasons)
	}
}
