package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"login", "logout", "chat", "send", "tail", "queue", "status", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	cmd := buildChatCmd()

	t.Setenv("WINDROSE_CONFIG", "/tmp/from-env.yaml")
	if got := resolveConfigPath(cmd); got != "/tmp/from-env.yaml" {
		t.Errorf("env fallback = %q", got)
	}

	if err := cmd.Flags().Set("config", "/tmp/from-flag.yaml"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(cmd); got != "/tmp/from-flag.yaml" {
		t.Errorf("flag override = %q", got)
	}

	t.Setenv("WINDROSE_CONFIG", "")
	fresh := buildChatCmd()
	if got := resolveConfigPath(fresh); got != "windrose.yaml" {
		t.Errorf("default = %q", got)
	}
}
