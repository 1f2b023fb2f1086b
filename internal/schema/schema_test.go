package schema

import (
	"errors"
	"testing"

	apperrors "github.com/naslab/middled/internal/errors"
)

func shareSchema() *Schema {
	return Object(
		F("name", String()).Req(),
		F("path", String()).Req(),
		F("comment", Text()).Def(""),
		F("readonly", Bool()).Def(false),
		F("password", Secret()),
		F("timeout", IntRange(1, 3600)).Def(int64(30)),
	)
}

func TestValidateFillsDefaultsAndCoerces(t *testing.T) {
	out, err := Validate(shareSchema(), map[string]any{
		"name":    "media",
		"path":    "/mnt/tank/media",
		"timeout": float64(60),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	obj := out.(map[string]any)
	if obj["readonly"] != false {
		t.Fatalf("default not applied: %v", obj["readonly"])
	}
	if obj["timeout"] != int64(60) {
		t.Fatalf("number not coerced to int64: %T", obj["timeout"])
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	_, err := Validate(shareSchema(), map[string]any{
		"name":    "",
		"bogus":   true,
		"timeout": float64(100000),
	})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var verrs *apperrors.Validation
	if !errors.As(err, &verrs) {
		t.Fatalf("expected *Validation, got %T", err)
	}
	// empty name, unknown field, out-of-range timeout, missing path
	if len(verrs.Fields) != 4 {
		t.Fatalf("expected 4 field errors, got %d: %+v", len(verrs.Fields), verrs.Fields)
	}
}

func TestValidateEnumNormalizesCase(t *testing.T) {
	s := Object(F("level", EnumOf("LEVEL_1", "LEVEL_2")).Req())
	out, err := Validate(s, map[string]any{"level": "level_2"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.(map[string]any)["level"] != "LEVEL_2" {
		t.Fatalf("enum casing not normalized: %v", out)
	}

	_, err = Validate(s, map[string]any{"level": "LEVEL_9"})
	if err == nil {
		t.Fatal("expected enum rejection")
	}
	var verrs *apperrors.Validation
	errors.As(err, &verrs)
	if verrs.Fields[0].Code != "enum" {
		t.Fatalf("expected enum code, got %+v", verrs.Fields[0])
	}
}

func TestValidateRangeInclusive(t *testing.T) {
	s := Object(F("n", IntRange(1, 10)).Req())
	for _, n := range []float64{1, 10} {
		if _, err := Validate(s, map[string]any{"n": n}); err != nil {
			t.Fatalf("boundary %v rejected: %v", n, err)
		}
	}
	for _, n := range []float64{0, 11} {
		if _, err := Validate(s, map[string]any{"n": n}); err == nil {
			t.Fatalf("out-of-range %v accepted", n)
		}
	}
}

func TestValidateUnion(t *testing.T) {
	s := Union("mechanism", map[string]*Schema{
		"PASSWORD_PLAIN": Object(
			F("username", String()).Req(),
			F("password", Secret()).Req(),
		),
		"TOKEN_PLAIN": Object(F("token", Secret()).Req()),
	})

	out, err := Validate(s, map[string]any{
		"mechanism": "password_plain",
		"username":  "admin",
		"password":  "pass",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.(map[string]any)["mechanism"] != "PASSWORD_PLAIN" {
		t.Fatalf("tag not normalized: %v", out)
	}

	_, err = Validate(s, map[string]any{"mechanism": "SMART_CARD"})
	if err == nil {
		t.Fatal("expected unknown variant rejection")
	}

	_, err = Validate(s, map[string]any{"username": "admin"})
	if err == nil {
		t.Fatal("expected missing tag rejection")
	}
}

func TestRedactReplacesSecretLeaves(t *testing.T) {
	s := shareSchema()
	value := map[string]any{
		"name":     "media",
		"path":     "/mnt/tank/media",
		"password": "hunter2",
	}
	redacted := Redact(s, value).(map[string]any)
	if redacted["password"] != RedactedPlaceholder {
		t.Fatalf("secret not redacted: %v", redacted["password"])
	}
	if value["password"] != "hunter2" {
		t.Fatal("redact modified the input")
	}
	if redacted["name"] != "media" {
		t.Fatalf("non-secret changed: %v", redacted["name"])
	}
}

func TestMergeForUpdateKeepsOmittedKeys(t *testing.T) {
	s := shareSchema()
	existing := map[string]any{
		"name":     "media",
		"path":     "/mnt/tank/media",
		"comment":  "old",
		"readonly": false,
		"timeout":  int64(30),
	}
	out, err := MergeForUpdate(s, existing, map[string]any{"readonly": true})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	obj := out.(map[string]any)
	if obj["readonly"] != true {
		t.Fatal("patch not applied")
	}
	if obj["comment"] != "old" || obj["path"] != "/mnt/tank/media" {
		t.Fatalf("omitted keys lost: %+v", obj)
	}
}

func TestHasSecrets(t *testing.T) {
	if !shareSchema().HasSecrets() {
		t.Fatal("expected secrets")
	}
	if Object(F("a", String())).HasSecrets() {
		t.Fatal("unexpected secrets")
	}
}
