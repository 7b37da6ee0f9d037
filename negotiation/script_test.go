package negotiation

import (
	"os"
	"path/filepath"
	"testing"
)

// TestScriptBookCoversAllNodes guarantees the fallback contract: every node
// has a non-empty line, so a failed LLM call always has something to say.
func TestScriptBookCoversAllNodes(t *testing.T) {
	book := NewScriptBook(nil)
	for _, n := range AllNodes() {
		if book.Line(n) == "" {
			t.Errorf("node %q has no fallback line", n)
		}
	}
}

func TestScriptBookFollowUpGreeting(t *testing.T) {
	book := NewScriptBook(nil)
	if got := book.Greeting(false); got != defaultScripts[NodeGreeting] {
		t.Errorf("first-call greeting = %q, want default", got)
	}
	if got := book.Greeting(true); got != defaultFollowUpGreeting {
		t.Errorf("follow-up greeting = %q, want follow-up variant", got)
	}
}

func TestScriptBookUnknownNode(t *testing.T) {
	book := NewScriptBook(nil)
	if got := book.Line(Node("bogus")); got != book.Line(NodeEnd) {
		t.Errorf("unknown node should fall back to the end line, got %q", got)
	}
}

func TestScriptBookLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scripts.yaml")

	t.Run("overrides known nodes", func(t *testing.T) {
		content := "scripts:\n  greeting: \"Hello there, parts desk please.\"\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		book := NewScriptBook(nil)
		if err := book.LoadFile(path); err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if got := book.Line(NodeGreeting); got != "Hello there, parts desk please." {
			t.Errorf("greeting line = %q, want override", got)
		}
		// Other nodes keep their defaults.
		if got := book.Line(NodeEnd); got != defaultScripts[NodeEnd] {
			t.Errorf("end line = %q, want default", got)
		}
	})

	t.Run("overrides follow-up greeting", func(t *testing.T) {
		content := "scripts:\n  greeting_follow_up: \"Me again about that quote.\"\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		book := NewScriptBook(nil)
		if err := book.LoadFile(path); err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if got := book.Greeting(true); got != "Me again about that quote." {
			t.Errorf("follow-up greeting = %q, want override", got)
		}
	})

	t.Run("rejects unknown node names", func(t *testing.T) {
		content := "scripts:\n  greetings: \"typo\"\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := NewScriptBook(nil).LoadFile(path); err == nil {
			t.Error("expected error for unknown node name")
		}
	})

	t.Run("rejects empty lines", func(t *testing.T) {
		content := "scripts:\n  greeting: \"\"\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := NewScriptBook(nil).LoadFile(path); err == nil {
			t.Error("expected error for empty line")
		}
	})
}
