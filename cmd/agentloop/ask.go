package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/config"
	"github.com/fyrsmithlabs/agentloop/internal/events"
)

// errRunFailed makes `ask` exit non-zero without cobra printing the error
// a second time.
var errRunFailed = errors.New("run failed")

func newAskCmd() *cobra.Command {
	var (
		sessionID    string
		planApproval bool
		stepApproval bool
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Answer one query in the terminal",
		Long: `Run a single query to completion. Plans, steps and the final answer are
printed as they happen; gates are answered on stdin.

Examples:
  agentloop ask "what is the factorial of 6?"
  agentloop ask --plan-approval --step-approval "sum the first 10 fibonacci numbers"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			term, deps, closeAll, err := openTerminal(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			hcfg := deps.defaultHITL()
			if cmd.Flags().Changed("plan-approval") {
				hcfg.PlanApproval = planApproval
			}
			if cmd.Flags().Changed("step-approval") {
				hcfg.StepApproval = stepApproval
			}
			if sessionID == "" {
				sessionID = xid.New().String()
			}

			res := term.run(ctx, strings.Join(args, " "), sessionID, hcfg)
			term.println(summarize(res))
			if !res.Succeeded() {
				cmd.SilenceErrors = true
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id whose history is used as context (default: new session)")
	cmd.Flags().BoolVar(&planApproval, "plan-approval", false, "pause for approval of the initial plan")
	cmd.Flags().BoolVar(&stepApproval, "step-approval", false, "pause before every step")
	return cmd
}

func newChatCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session",
		Long: `Read queries from stdin until "exit". The session carries over between
invocations unless --new is given.

Commands:
  /hitl on|off    plan approval
  /step on|off    step approval
  /hitl status    show the current gate configuration
  exit, quit      leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			term, deps, closeAll, err := openTerminal(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			sessionFile, err := lastSessionPath()
			if err != nil {
				return err
			}
			sessionID := ""
			if !fresh {
				sessionID = readSession(sessionFile)
			}
			if sessionID != "" {
				term.println(dimStyle.Render("resumed session " + sessionID))
			} else {
				sessionID = xid.New().String()
			}
			// Chat starts with plan approval on; /hitl off disables it.
			hcfg := deps.defaultHITL()
			hcfg.PlanApproval = true

			return chat(ctx, term, sessionID, sessionFile, &hcfg)
		},
	}
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new session instead of resuming the last one")
	return cmd
}

// chat is the read-eval loop behind `agentloop chat`.
func chat(ctx context.Context, term *terminal, sessionID, sessionFile string, hcfg *blackboard.HITLConfig) error {
	term.println(successStyle.Render("ready") + dimStyle.Render(" · type exit to quit"))
	for {
		term.println(labelStyle.Render("you ›"))
		line, err := term.readLine(ctx)
		if errors.Is(err, errInputClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if quit, msg := applyCommand(line, hcfg); quit {
			return nil
		} else if msg != "" {
			term.println(dimStyle.Render(msg))
			continue
		}

		res := term.run(ctx, line, sessionID, *hcfg)
		term.println(summarize(res))
		if err := writeSession(sessionFile, sessionID); err != nil {
			term.println(warningStyle.Render("could not save session: " + err.Error()))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// applyCommand handles chat control lines. It reports whether the chat
// should end, and a non-empty message when line was a command.
func applyCommand(line string, hcfg *blackboard.HITLConfig) (quit bool, msg string) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "quit":
		return true, ""
	case "/hitl on":
		hcfg.PlanApproval = true
		return false, "plan approval enabled"
	case "/hitl off":
		hcfg.PlanApproval = false
		return false, "plan approval disabled"
	case "/step on":
		hcfg.StepApproval = true
		return false, "step approval enabled"
	case "/step off":
		hcfg.StepApproval = false
		return false, "step approval disabled"
	case "/hitl status":
		return false, fmt.Sprintf("plan approval %s · step approval %s", onOff(hcfg.PlanApproval), onOff(hcfg.StepApproval))
	}
	return false, ""
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// openTerminal wires a terminal as the coordinator's event sink, alongside
// any configured outbound sinks.
func openTerminal(ctx context.Context, cmd *cobra.Command) (*terminal, *dependencies, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := initLogger(cfg, !verbose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	outbound, closeSinks, err := outboundSinks(cfg, logger)
	if err != nil {
		deps.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		closeSinks()
		deps.Close()
	}

	term := newTerminal(cmd.InOrStdin(), cmd.OutOrStdout(), verbose)
	coord, err := deps.newCoordinator(ctx, events.Multi{term, outbound})
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	term.runner = coord
	return term, deps, closeAll, nil
}

// lastSessionPath is where chat remembers its session between invocations.
func lastSessionPath() (string, error) {
	p, err := config.DefaultPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(p), "last_session"), nil
}

func readSession(path string) string {
	b, err := os.ReadFile(path) // #nosec G304 -- fixed path under the config dir
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeSession(path, sessionID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sessionID+"\n"), 0o600)
}
