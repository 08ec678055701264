package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"golang.org/x/term"

	"github.com/agidotai/memini/internal/autopilot"
	"github.com/agidotai/memini/internal/coordination"
	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/orchestrator"
	"github.com/agidotai/memini/internal/session"
	"github.com/agidotai/memini/internal/util"
)

const (
	promptString = "memini> "
	previewWidth = 60
)

// Console is the interactive command surface. It reads lines, dispatches
// them against the orchestrator, and prints bus notifications as they
// arrive so the operator sees attention requests without polling.
type Console struct {
	orc    *orchestrator.Orchestrator
	styles Styles

	mu  sync.Mutex
	out io.Writer

	// width returns the wrap width for transcript output.
	width func() int
}

// NewConsole builds a console writing to out.
func NewConsole(orc *orchestrator.Orchestrator, out io.Writer, styles Styles) *Console {
	return &Console{
		orc:    orc,
		out:    out,
		styles: styles,
		width:  terminalWidth,
	}
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return 80
}

// Run reads commands from in until quit, EOF, or context cancellation.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	unsub := c.subscribeNotifications()
	defer unsub()

	c.printf("%s\n", c.styles.Title.Render("memini console"))
	c.printf("%s\n", c.styles.Subtle.Render(`type "help" for commands, "quit" to leave`))

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		c.printf("%s", c.styles.Subtle.Render(promptString))
		select {
		case <-ctx.Done():
			c.printf("\n")
			return ctx.Err()
		case err := <-scanErr:
			c.printf("\n")
			return err
		case line := <-lines:
			if c.Dispatch(line) {
				return nil
			}
		}
	}
}

// Dispatch handles one console line and reports whether the console should
// exit.
func (c *Console) Dispatch(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if line == "quit" || line == "exit" {
		return true
	}
	if strings.HasPrefix(line, "#") {
		c.routeLine(line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		c.printHelp()
	case "spawn":
		c.cmdSpawn(line, fields)
	case "reply":
		c.cmdReply(line, fields)
	case "show":
		c.cmdShow(fields)
	case "group":
		c.cmdGroup(fields)
	case "history":
		c.cmdHistory()
	case "auto":
		c.cmdAuto(line, fields)
	default:
		c.freeText(line)
	}
	return false
}

// freeText is the bare-prompt path: the text answers the queue head when a
// session is waiting, otherwise it spawns a new session. The queue can drain
// between keystroke and dispatch, so an empty queue falls through to a spawn
// instead of surfacing the routing error.
func (c *Console) freeText(line string) {
	res, err := c.orc.Router.RouteLine(line)
	if err == nil {
		c.success("reply sent to session %d", res.SessionID)
		return
	}
	if !errors.Is(err, session.ErrQueueEmpty) {
		c.error("%v", err)
		return
	}
	id := c.orc.Spawn(line)
	c.success("session %d spawned", id)
}

func (c *Console) routeLine(line string) {
	res, err := c.orc.Router.RouteLine(line)
	if err != nil {
		c.error("%v", err)
		return
	}
	c.success("reply sent to session %d", res.SessionID)
}

func (c *Console) cmdSpawn(line string, fields []string) {
	if len(fields) < 2 {
		c.error("usage: spawn <prompt> | spawn list | spawn group <key> <p1> | <p2> ...")
		return
	}
	switch fields[1] {
	case "list":
		c.printSessions()
	case "group":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(line, "spawn")), "group"))
		key, raw, _ := strings.Cut(rest, " ")
		prompts := orchestrator.SplitGroupPrompts(raw)
		if key == "" || len(prompts) == 0 {
			c.error("usage: spawn group <key> <prompt> | <prompt> ...")
			return
		}
		key, ids, err := c.orc.SpawnGroup(key, prompts)
		if err != nil {
			c.error("%v", err)
			return
		}
		c.success("group %q spawned sessions %s", key, joinIDs(ids))
	default:
		prompt := strings.TrimSpace(strings.TrimPrefix(line, "spawn"))
		id := c.orc.Spawn(prompt)
		c.success("session %d spawned", id)
	}
}

func (c *Console) cmdReply(line string, fields []string) {
	if len(fields) < 2 {
		c.error("usage: reply list | reply <id|next> <text>")
		return
	}
	if fields[1] == "list" {
		c.printWaiting()
		return
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "reply"))
	target, body, _ := strings.Cut(rest, " ")
	res, err := c.orc.Router.Reply(target, strings.TrimSpace(body))
	if err != nil {
		c.error("%v", err)
		return
	}
	c.success("reply sent to session %d", res.SessionID)
}

func (c *Console) cmdShow(fields []string) {
	if len(fields) != 2 {
		c.error("usage: show <id>")
		return
	}
	id, err := strconv.Atoi(strings.TrimPrefix(fields[1], "#"))
	if err != nil {
		c.error("bad session id %q", fields[1])
		return
	}
	v, ok := c.orc.Registry.Get(id)
	if !ok {
		c.error("no session %d", id)
		return
	}
	c.printSession(v)
}

func (c *Console) cmdGroup(fields []string) {
	if len(fields) == 1 {
		keys := c.orc.Groups.Keys()
		if len(keys) == 0 {
			c.subtle("no groups")
			return
		}
		c.printf("%s\n", strings.Join(keys, " "))
		return
	}
	report, err := c.orc.Groups.Collect(fields[1])
	if err != nil {
		c.error("%v", err)
		return
	}
	if report.Status != coordination.StatusComplete {
		c.subtle("group %q pending, %d of %d sessions still running",
			report.Key, report.Remaining, len(report.Members))
		return
	}
	c.printf("%s\n", report.Summary)
}

func (c *Console) cmdHistory() {
	rows, err := c.orc.ArchivedSessions(20)
	if err != nil {
		c.error("%v", err)
		return
	}
	if len(rows) == 0 {
		c.subtle("no archived sessions")
		return
	}
	t := NewStyledTable(c.styles, "ID", "ORIGIN", "STATE", "PROMPT", "OUTCOME")
	for _, a := range rows {
		outcome := a.Result
		if a.Failure != "" {
			outcome = a.Failure
		}
		t.AddRow(
			strconv.Itoa(a.SessionID),
			a.Origin,
			a.State,
			util.Preview(a.Prompt, previewWidth),
			util.Preview(outcome, previewWidth),
		)
	}
	c.printf("%s", t.WithTitle("Session history").Render())
}

func (c *Console) cmdAuto(line string, fields []string) {
	sched := c.orc.Scheduler
	if len(fields) == 1 {
		c.printAutoStatus()
		return
	}
	switch fields[1] {
	case "run":
		if len(fields) != 3 {
			c.error("usage: auto run <name>")
			return
		}
		run, err := sched.Run(fields[2])
		if err != nil {
			c.error("%v", err)
			return
		}
		switch run.Status {
		case autopilot.RunStatusOK:
			c.success("recipe %q ran as session %d: %s",
				run.Recipe, run.SessionID, util.Preview(run.Result, previewWidth))
		case autopilot.RunStatusSkipped:
			c.warn("recipe %q skipped: %s", run.Recipe, run.Detail)
		default:
			c.error("recipe %q failed: %s", run.Recipe, run.Detail)
		}
	case "start":
		if len(fields) != 3 {
			c.error("usage: auto start <name>")
			return
		}
		if err := sched.Start(fields[2]); err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipe %q enabled", fields[2])
	case "stop":
		if len(fields) != 3 {
			c.error("usage: auto stop <name>")
			return
		}
		if err := sched.Stop(fields[2]); err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipe %q disabled", fields[2])
	case "create", "add":
		if len(fields) < 4 {
			c.error("usage: auto create <name> <seconds> <instructions>")
			return
		}
		secs, err := strconv.Atoi(fields[3])
		if err != nil {
			c.error("bad interval %q", fields[3])
			return
		}
		rest := line
		for i := 0; i < 4; i++ {
			_, rest, _ = strings.Cut(strings.TrimSpace(rest), " ")
		}
		rec, err := sched.Create(fields[2], secs, strings.TrimSpace(rest))
		if err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipe %q created, fires every %s", rec.Name, rec.Interval())
	case "remove":
		if len(fields) != 3 {
			c.error("usage: auto remove <name>")
			return
		}
		if err := sched.Remove(fields[2]); err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipe %q removed", fields[2])
	case "templates":
		c.printTemplates()
	case "scaffold":
		if len(fields) < 3 || len(fields) > 4 {
			c.error("usage: auto scaffold <template> [name]")
			return
		}
		name := ""
		if len(fields) == 4 {
			name = fields[3]
		}
		rec, err := sched.Scaffold(fields[2], name)
		if err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipe %q scaffolded and started, every %s", rec.Name, time.Duration(rec.IntervalSecs)*time.Second)
	case "reload":
		res, err := sched.Reload()
		if err != nil {
			c.error("%v", err)
			return
		}
		c.success("recipes reloaded: %d added, %d updated, %d removed",
			len(res.Added), len(res.Updated), len(res.Removed))
	case "results":
		name := ""
		if len(fields) > 2 {
			name = fields[2]
		}
		c.printResults(name)
	default:
		c.error("unknown auto command %q", fields[1])
	}
}

func (c *Console) printSessions() {
	views := c.orc.Registry.List()
	if len(views) == 0 {
		c.subtle("no sessions")
		return
	}
	t := NewStyledTable(c.styles, "ID", "SLOT", "STATE", "ORIGIN", "PROMPT")
	for _, v := range views {
		slot := "-"
		if v.Slot > 0 {
			slot = strconv.Itoa(v.Slot)
		}
		t.AddRow(
			strconv.Itoa(v.ID),
			slot,
			string(v.State),
			string(v.Origin),
			util.Preview(v.Prompt, previewWidth),
		)
	}
	c.printf("%s", t.WithTitle("Sessions").Render())
}

func (c *Console) printWaiting() {
	views := c.orc.Registry.Waiting()
	if len(views) == 0 {
		c.subtle("no sessions waiting for input")
		return
	}
	t := NewStyledTable(c.styles, "POS", "ID", "QUESTION")
	for i, v := range views {
		t.AddRow(
			strconv.Itoa(i+1),
			"#"+strconv.Itoa(v.ID),
			util.Preview(v.PendingQuestion, previewWidth),
		)
	}
	c.printf("%s", t.WithFooter(`answer with "reply <id|next> <text>" or "#<id> <text>"`).Render())
}

func (c *Console) printSession(v session.View) {
	c.printf("%s\n", c.styles.Title.Render(fmt.Sprintf("session %d (%s, %s)", v.ID, v.State, v.Origin)))
	if v.GroupKey != "" {
		c.subtle("group %q", v.GroupKey)
	}
	if v.ParentID != 0 {
		c.subtle("child of session %d", v.ParentID)
	}
	width := c.width() - 4
	for _, turn := range v.Transcript {
		c.printf("%s\n", c.styles.Header.Render(turn.Role+":"))
		c.printf("%s\n", indent(wordwrap.String(turn.Content, width), "  "))
	}
	if v.PendingQuestion != "" {
		c.warn("waiting: %s", v.PendingQuestion)
	}
	if v.FailureDetail != "" {
		c.error("failed: %s", v.FailureDetail)
	}
}

func (c *Console) printAutoStatus() {
	statuses := c.orc.Scheduler.Status()
	if len(statuses) == 0 {
		c.subtle(`no recipes, try "auto templates"`)
		return
	}
	t := NewStyledTable(c.styles, "RECIPE", "INTERVAL", "STATE", "RUNS", "LAST")
	for _, st := range statuses {
		stateCol := "stopped"
		if st.Enabled {
			stateCol = "running"
		}
		if st.InFlight {
			stateCol += " (firing)"
		}
		last := "-"
		if st.LastRunAt != nil {
			last = fmt.Sprintf("%s %s", st.LastStatus, st.LastRunAt.Local().Format("15:04:05"))
		}
		t.AddRow(
			st.Name,
			(time.Duration(st.IntervalSecs) * time.Second).String(),
			stateCol,
			strconv.Itoa(st.Runs),
			last,
		)
	}
	c.printf("%s", t.WithTitle("Autopilot").Render())
}

func (c *Console) printTemplates() {
	t := NewStyledTable(c.styles, "TEMPLATE", "INTERVAL", "DESCRIPTION")
	for _, tpl := range autopilot.Templates() {
		t.AddRow(
			tpl.Name,
			(time.Duration(tpl.Recipe.IntervalSecs) * time.Second).String(),
			tpl.Description,
		)
	}
	c.printf("%s", t.WithFooter(`scaffold one with "auto scaffold <template> [name]"`).Render())
}

func (c *Console) printResults(name string) {
	runs, err := c.orc.Scheduler.Results(name)
	if err != nil {
		c.error("%v", err)
		return
	}
	if len(runs) == 0 {
		c.subtle("no recorded runs")
		return
	}
	t := NewStyledTable(c.styles, "RECIPE", "STATUS", "SESSION", "STARTED", "OUTCOME")
	for _, run := range runs {
		sess := "-"
		if run.SessionID != 0 {
			sess = strconv.Itoa(run.SessionID)
		}
		outcome := run.Result
		if run.Detail != "" {
			outcome = run.Detail
		}
		t.AddRow(
			run.Recipe,
			run.Status,
			sess,
			run.StartedAt.Local().Format("Jan 02 15:04:05"),
			util.Preview(outcome, previewWidth),
		)
	}
	c.printf("%s", t.WithTitle("Recipe runs").Render())
}

func (c *Console) printHelp() {
	help := `commands:
  <text>                        answer the waiting queue head, or spawn when nothing waits
  spawn <prompt>                start a new session
  spawn list                    list live sessions
  spawn group <key> <a> | <b>   start a coordination group, prompts split on |
  reply list                    list sessions waiting for input
  reply <id|next> <text>        answer a waiting session
  #<id> <text>                  shorthand for reply <id>
  show <id>                     print a session transcript
  group [key]                   list groups, or print a group report
  history                       list archived sessions
  auto                          recipe status
  auto run|start|stop <name>    fire, enable, or disable a recipe
  auto create <name> <secs> <instructions>
  auto remove <name>            delete a recipe
  auto templates                list builtin recipe templates
  auto scaffold <tpl> [name]    create and start a recipe from a template
  auto reload                   re-read the recipes directory
  auto results [name]           recent recipe runs
  quit | exit                   leave the console`
	c.printf("%s\n", help)
}

// subscribeNotifications prints attention-worthy bus events between prompts.
func (c *Console) subscribeNotifications() func() {
	unsubs := []func(){
		c.orc.Bus.Subscribe(events.SessionWaiting, func(ev events.BusEvent) {
			if se, ok := ev.(events.SessionEvent); ok {
				c.notify(c.styles.Warning, "session %d needs input: %s",
					se.SessionID, util.Preview(se.Question, previewWidth))
			}
		}),
		c.orc.Bus.Subscribe(events.SessionCompleted, func(ev events.BusEvent) {
			if se, ok := ev.(events.SessionEvent); ok {
				c.notify(c.styles.Success, "session %d completed", se.SessionID)
			}
		}),
		c.orc.Bus.Subscribe(events.SessionFailed, func(ev events.BusEvent) {
			if se, ok := ev.(events.SessionEvent); ok {
				c.notify(c.styles.Error, "session %d failed: %s",
					se.SessionID, util.Preview(se.Detail, previewWidth))
			}
		}),
		c.orc.Bus.Subscribe(events.GroupCompleted, func(ev events.BusEvent) {
			if ge, ok := ev.(events.GroupEvent); ok {
				c.notify(c.styles.Success, `group %q complete, see "group %s"`, ge.Key, ge.Key)
			}
		}),
		c.orc.Bus.Subscribe(events.AutopilotRun, func(ev events.BusEvent) {
			if ae, ok := ev.(events.AutopilotEvent); ok {
				c.notify(c.styles.Subtle, "recipe %q fired as session %d", ae.Recipe, ae.SessionID)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *Console) notify(style lipgloss.Style, format string, args ...any) {
	c.printf("\n%s\n", style.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) success(format string, args ...any) {
	c.printf("%s\n", c.styles.Success.Render("✓ "+fmt.Sprintf(format, args...)))
}

func (c *Console) warn(format string, args ...any) {
	c.printf("%s\n", c.styles.Warning.Render("⚠ "+fmt.Sprintf(format, args...)))
}

func (c *Console) error(format string, args ...any) {
	c.printf("%s\n", c.styles.Error.Render("✗ "+fmt.Sprintf(format, args...)))
}

func (c *Console) subtle(format string, args ...any) {
	c.printf("%s\n", c.styles.Subtle.Render(fmt.Sprintf(format, args...)))
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
