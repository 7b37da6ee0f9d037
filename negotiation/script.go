package negotiation

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// defaultScripts are the built-in deterministic fallback lines, one per
// node. When an LLM call times out or fails mid-turn, the call continues
// with these rather than aborting.
var defaultScripts = map[Node]string{
	NodeGreeting:     "Hi, I'm calling on behalf of a buyer to get a quote on some parts. Could you point me to whoever handles parts quotes?",
	NodeBotScreening: "Hello? I'm trying to reach your parts department for a quote.",
	NodeRequestQuote: "Could you give me your price and availability on that part number?",
	NodeClarify:      "Let me give you the details again: I need the exact part number and quantity I mentioned.",
	NodeNegotiate:    "That's a bit above what we're set up to spend. Is there any room to move on that price?",
	NodeFinalOffer:   "Here's where we stand: if you can meet that number we're ready to commit today. Can you do it?",
	NodeMiscCosts:    "Before we wrap up, are there any shipping, handling, or other fees I should know about?",
	NodeConfirm:      "Great, let me confirm what we discussed so I have everything down correctly.",
	NodeTransfer:     "Sure, I'll hold. Thank you.",
	NodeEscalate:     "I'll have someone from our purchasing team reach out to finish this up. Thanks for your time.",
	NodeEnd:          "Thanks so much for your help today. Have a good one!",
}

// defaultFollowUpGreeting opens repeat calls to a supplier already contacted
// about this request. Overridable in the script file under the key
// "greeting_follow_up".
const defaultFollowUpGreeting = "Hi, it's me again, calling back about the parts quote we discussed. Do you have a minute to pick that back up?"

// followUpGreetingKey is the script-file key for the follow-up greeting.
const followUpGreetingKey = "greeting_follow_up"

// Apology is the graceful hand-off line spoken when an internal error makes
// the turn unprocessable. The call ends cleanly rather than going silent.
const Apology = "I'm sorry, I'm having trouble on my end. Someone from our team will follow up with you shortly. Thanks for your time."

// scriptFile is the YAML shape of a script override file.
type scriptFile struct {
	Scripts map[string]string `yaml:"scripts"`
}

// ScriptBook holds the per-node fallback lines. Lines can be overridden from
// a YAML file, optionally hot-reloaded on change so operators can tune
// fallback wording without a restart.
type ScriptBook struct {
	mu       sync.RWMutex
	lines    map[Node]string
	followUp string
	logger   *slog.Logger
}

// NewScriptBook returns a book seeded with the built-in lines.
func NewScriptBook(logger *slog.Logger) *ScriptBook {
	if logger == nil {
		logger = slog.Default()
	}
	lines := make(map[Node]string, len(defaultScripts))
	for n, l := range defaultScripts {
		lines[n] = l
	}
	return &ScriptBook{lines: lines, followUp: defaultFollowUpGreeting, logger: logger}
}

// Line returns the fallback line for a node. Unknown nodes get the end line.
func (b *ScriptBook) Line(n Node) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if line, ok := b.lines[n]; ok {
		return line
	}
	return b.lines[NodeEnd]
}

// Greeting returns the opening line, using the follow-up variant for calls
// to a supplier already contacted about this request.
func (b *ScriptBook) Greeting(followUp bool) string {
	if !followUp {
		return b.Line(NodeGreeting)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.followUp
}

// LoadFile overlays lines from a YAML file onto the defaults. Unknown node
// names are rejected so typos fail loudly instead of silently never matching.
func (b *ScriptBook) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file scriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse scripts %s: %w", path, err)
	}

	known := make(map[Node]bool, len(defaultScripts))
	for _, n := range AllNodes() {
		known[n] = true
	}

	overrides := make(map[Node]string, len(file.Scripts))
	followUp := ""
	for name, line := range file.Scripts {
		if line == "" {
			return fmt.Errorf("scripts %s: empty line for node %q", path, name)
		}
		if name == followUpGreetingKey {
			followUp = line
			continue
		}
		node := Node(name)
		if !known[node] {
			return fmt.Errorf("scripts %s: unknown node %q", path, name)
		}
		overrides[node] = line
	}

	b.mu.Lock()
	for n, l := range overrides {
		b.lines[n] = l
	}
	if followUp != "" {
		b.followUp = followUp
	}
	b.mu.Unlock()

	b.logger.Info("Loaded script overrides", "path", path, "overrides", len(overrides))
	return nil
}

// watchDebounce is how long to wait for further writes before reloading.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the script file whenever it changes, until stop is closed.
// Reload failures keep the previous lines and log a warning.
func (b *ScriptBook) Watch(path string, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch scripts %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			if err := b.LoadFile(path); err != nil {
				b.logger.Warn("Script reload failed, keeping previous lines",
					"path", path, "error", err)
			}
		}

		for {
			select {
			case <-stop:
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Debounce: editors produce bursts of writes.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("Script watcher error", "path", path, "error", err)
			}
		}
	}()

	return nil
}
