package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/policy"
	"github.com/molr/molr/pkg/tree"
)

const consoleHelp = `Commands:
  status                      show every strand with its state, block and allowed commands
  tree                        show the mission tree
  results                     show the latest result of every executed leaf
  resume|pause|skip [strand]  instruct a strand (default: the root strand)
  step-into|step-over [strand]
  move <strand> <block>       move a paused strand's cursor inside its subtree
  help                        show this help
  quit                        leave the console
`

// errQuit is returned by Execute when the user leaves the console.
var errQuit = errors.New("quit")

// console is the interactive supervisor of one running mission.
type console struct {
	mission *engine.MissionExecutor
	tree    *tree.Tree
	guard   *policy.Guard

	mu  sync.Mutex
	out io.Writer
}

func newConsole(mission *engine.MissionExecutor, t *tree.Tree, out io.Writer) *console {
	return &console{mission: mission, tree: t, out: out}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Execute runs one console line.
func (c *console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch name := strings.ToLower(fields[0]); name {
	case "help", "h", "?":
		c.printf("%s", consoleHelp)
		return nil

	case "quit", "exit", "q":
		return errQuit

	case "status", "s":
		c.printStatus()
		return nil

	case "tree", "t":
		c.printf("%s", c.tree.Render())
		return nil

	case "results", "r":
		c.printResults()
		return nil

	case "move", "m":
		if len(fields) != 3 {
			return fmt.Errorf("usage: move <strand> <block>")
		}
		block, ok := c.tree.Block(tree.BlockID(fields[2]))
		if !ok {
			return fmt.Errorf("unknown block %s", fields[2])
		}
		return c.moveTo(fields[1], block)

	default:
		cmd, err := engine.ParseStrandCommand(name)
		if err != nil {
			return fmt.Errorf("unknown command %q, type 'help'", fields[0])
		}
		if len(fields) > 2 {
			return fmt.Errorf("usage: %s [strand]", name)
		}
		strandID := c.rootStrand()
		if len(fields) == 2 {
			strandID = fields[1]
		}
		return c.instruct(strandID, cmd)
	}
}

// instruct sends cmd through the policy guard when one is set.
func (c *console) instruct(strandID string, cmd engine.StrandCommand) error {
	if c.guard == nil {
		return c.mission.Instruct(strandID, cmd)
	}
	decision, err := c.guard.Instruct(context.Background(), strandID, cmd)
	c.printAdvisory(decision)
	return err
}

func (c *console) moveTo(strandID string, block tree.Block) error {
	if c.guard == nil {
		return c.mission.MoveTo(strandID, block)
	}
	decision, err := c.guard.MoveTo(context.Background(), strandID, block)
	c.printAdvisory(decision)
	return err
}

func (c *console) printAdvisory(decision *policy.Decision) {
	if decision == nil {
		return
	}
	for _, v := range decision.Advisory() {
		c.printf("%s: %s\n", v.Severity, v)
	}
	for _, w := range decision.Warnings {
		c.printf("warning: %s\n", w)
	}
}

func (c *console) rootStrand() string {
	if root := c.mission.RootExecutor(); root != nil {
		return root.Strand().ID
	}
	return "0"
}

func (c *console) printStatus() {
	snap := c.mission.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "mission %s\n", snap.RunID)
	for _, s := range snap.Strands {
		block := "-"
		if !s.Block.IsZero() {
			block = blockLabel(s.Block)
		}
		allowed := make([]string, len(s.AllowedCommands))
		for i, cmd := range s.AllowedCommands {
			allowed[i] = string(cmd)
		}
		parent := ""
		if s.Strand.ParentID != "" {
			parent = " (parent " + s.Strand.ParentID + ")"
		}
		fmt.Fprintf(c.out, "  strand %s%s %s at %s [%s]\n", s.Strand.ID, parent, s.State, block, strings.Join(allowed, " "))
	}
}

func (c *console) printResults() {
	results := c.mission.Results()
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "no leaf executed yet")
		return
	}
	for _, id := range ids {
		name := ""
		if b, ok := c.tree.Block(tree.BlockID(id)); ok {
			name = b.Name
		}
		fmt.Fprintf(c.out, "  %s %s: %s\n", id, name, results[tree.BlockID(id)])
	}
}

// PrintEvents writes mission events until the channel is closed.
func (c *console) PrintEvents(events <-chan engine.Event) {
	for ev := range events {
		if line := formatEvent(ev); line != "" {
			c.printf("%s\n", line)
		}
	}
}

func formatEvent(ev engine.Event) string {
	prefix := "[strand " + ev.Strand.ID + "]"
	switch ev.Type {
	case engine.EventStrandCreated:
		if ev.Strand.ParentID == "" {
			return fmt.Sprintf("%s created at %s", prefix, blockLabel(ev.Block))
		}
		return fmt.Sprintf("%s created at %s by strand %s", prefix, blockLabel(ev.Block), ev.Strand.ParentID)
	case engine.EventStateChanged:
		return fmt.Sprintf("%s %s", prefix, ev.State)
	case engine.EventCursorMoved:
		if ev.Block.IsZero() {
			return fmt.Sprintf("%s reached the end", prefix)
		}
		return fmt.Sprintf("%s at %s", prefix, blockLabel(ev.Block))
	case engine.EventLeafResult:
		return fmt.Sprintf("%s %s -> %s", prefix, blockLabel(ev.Block), ev.Result)
	case engine.EventError:
		return fmt.Sprintf("%s error: %v", prefix, ev.Err)
	default:
		// Consumed commands are visible through the state changes they cause.
		return ""
	}
}

func blockLabel(b tree.Block) string {
	return fmt.Sprintf("%s %q", b.ID, b.Name)
}

// Run reads console lines until the user quits, input ends or ctx is done.
func (c *console) Run(ctx context.Context, rl *readline.Instance) error {
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.Execute(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			c.printf("error: %v\n", err)
		}
	}
}

// newReadline creates the console line editor with command completion.
func newReadline() (*readline.Instance, error) {
	completer := readline.NewPrefixCompleter()
	for _, cmd := range []string{
		"status", "tree", "results", "resume", "pause", "skip",
		"step-into", "step-over", "move", "help", "quit",
	} {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "molr> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return rl, nil
}
