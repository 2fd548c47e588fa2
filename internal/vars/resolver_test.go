package vars

import "testing"

func layered(global, collection, environment, local []Variable) *Resolver {
	return ScopeSet{
		Global:      global,
		Collection:  collection,
		Environment: environment,
		Local:       local,
	}.Resolver()
}

func TestScopePrecedence(t *testing.T) {
	global := []Variable{{Key: "base_url", Value: "g", Enabled: true}}
	coll := []Variable{{Key: "base_url", Value: "c", Enabled: true}}
	env := []Variable{{Key: "base_url", Value: "e", Enabled: true}}

	r := layered(global, coll, env, nil)
	if got, ok := r.Resolve("base_url"); !ok || got != "e" {
		t.Fatalf("expected environment value, got %q ok=%v", got, ok)
	}

	env[0].Enabled = false
	r = layered(global, coll, env, nil)
	if got, _ := r.Resolve("base_url"); got != "c" {
		t.Fatalf("expected collection value after disabling env, got %q", got)
	}

	coll[0].Enabled = false
	r = layered(global, coll, env, nil)
	if got, _ := r.Resolve("base_url"); got != "g" {
		t.Fatalf("expected global value after disabling collection, got %q", got)
	}

	global[0].Enabled = false
	r = layered(global, coll, env, nil)
	if _, ok := r.Resolve("base_url"); ok {
		t.Fatalf("expected unresolved after disabling all scopes")
	}
	out, err := r.ExpandTemplates("{{base_url}}/api")
	if err == nil {
		t.Fatalf("expected undefined variable error")
	}
	if out != "{{base_url}}/api" {
		t.Fatalf("expected literal token preserved, got %q", out)
	}
}

func TestLocalShadowsEverything(t *testing.T) {
	r := layered(
		[]Variable{{Key: "token", Value: "global", Enabled: true}},
		nil,
		[]Variable{{Key: "token", Value: "env", Enabled: true}},
		[]Variable{{Key: "token", Value: "local", Enabled: true}},
	)
	if got, _ := r.Resolve("token"); got != "local" {
		t.Fatalf("expected local value, got %q", got)
	}
}

func TestExpandTemplates(t *testing.T) {
	r := layered([]Variable{
		{Key: "host", Value: "example.com", Enabled: true},
		{Key: "user", Value: "alice", Enabled: true},
	}, nil, nil, nil)

	out, err := r.ExpandTemplates("https://{{host}}/users/{{user}}?missing={{nope}}")
	if err == nil {
		t.Fatalf("expected error for unresolved token")
	}
	want := "https://example.com/users/alice?missing={{nope}}"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestExpandTemplatesSinglePass(t *testing.T) {
	r := layered([]Variable{
		{Key: "outer", Value: "{{inner}}", Enabled: true},
		{Key: "inner", Value: "secret", Enabled: true},
	}, nil, nil, nil)

	out, err := r.ExpandTemplates("{{outer}}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "{{inner}}" {
		t.Fatalf("expected single-pass substitution, got %q", out)
	}
}

func TestResolveIsCaseSensitive(t *testing.T) {
	r := layered([]Variable{{Key: "Token", Value: "x", Enabled: true}}, nil, nil, nil)
	if _, ok := r.Resolve("token"); ok {
		t.Fatalf("expected lookup to be case-sensitive")
	}
	if got, ok := r.Resolve("Token"); !ok || got != "x" {
		t.Fatalf("expected exact-case lookup to succeed, got %q ok=%v", got, ok)
	}
}

func TestDisabledVariablesInvisible(t *testing.T) {
	r := layered(nil, nil, []Variable{{Key: "flag", Value: "on", Enabled: false}}, nil)
	if _, ok := r.Resolve("flag"); ok {
		t.Fatalf("disabled variable should be invisible")
	}
	if got := Values([]Variable{{Key: "flag", Value: "on", Enabled: false}}); len(got) != 0 {
		t.Fatalf("Values should skip disabled entries, got %v", got)
	}
}
