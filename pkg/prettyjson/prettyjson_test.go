package prettyjson

import "testing"

func TestFormat_Object(t *testing.T) {
	got, err := Format([]byte(`{"id":"123","name":[{"family":"Smith"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "{\n  \"id\": \"123\",\n  \"name\": [\n    {\n      \"family\": \"Smith\"\n    }\n  ]\n}"
	if got != want {
		t.Errorf("Format() =\n%s\nwant\n%s", got, want)
	}
}

func TestFormat_Empty(t *testing.T) {
	got, err := Format([]byte("  \n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestFormat_Invalid(t *testing.T) {
	if _, err := Format([]byte(`{"id":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestMustFormat_FallsBackToRaw(t *testing.T) {
	if got := MustFormat([]byte("not json")); got != "not json" {
		t.Errorf("expected raw input back, got %q", got)
	}
}

func TestMarshal(t *testing.T) {
	b, err := Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "{\n  \"a\": 1\n}" {
		t.Errorf("unexpected output %q", b)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`[1,2]`)) {
		t.Error("expected array to be valid")
	}
	if Valid([]byte(`[1,`)) {
		t.Error("expected truncated array to be invalid")
	}
}
