package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"revflow/internal/loop"
	"revflow/internal/orchestrator"
	"revflow/internal/policy"
)

func serviceFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB"),
			parameters.WithDefault(".revflow/revflow.db"),
		),
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .revflow/policy.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"repo",
			parameters.ParameterTypeString,
			parameters.WithHelp("Repository directory (defaults to current directory)"),
			parameters.WithDefault(""),
		),
	}
}

func buildService(dbPath string, policyPath string, repo string) (*orchestrator.Service, error) {
	cfg, _, err := policy.Load(policyPath)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewServiceFor(dbPath, repo, cfg)
}

func printResult(result orchestrator.ReviewResult) {
	fmt.Printf("Session %s: %s (phase %s, %d iteration(s))\n", result.SessionID, result.Outcome, result.Phase, result.Iterations)
	if result.Reason != "" {
		fmt.Printf("  Reason: %s\n", result.Reason)
	}
	for _, id := range result.Unresolved {
		fmt.Printf("  Unresolved: %s\n", id)
	}
	if result.LastStep != "" {
		fmt.Printf("  Last completed step: %s\n", result.LastStep)
	}
}

type reviewGlazedCommand struct {
	*cmds.CommandDescription
}

type reviewSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	Branch     string `glazed.parameter:"branch"`
	Base       string `glazed.parameter:"base"`
}

func newReviewGlazedCommand() (cmds.Command, error) {
	return &reviewGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"review",
			cmds.WithShort("Run a full review session for a branch"),
			cmds.WithLong("Track the change range, run the local gate, trigger external review, classify and arbitrate comments, fix, optionally rewrite history, and decide merge."),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"branch",
					parameters.ParameterTypeString,
					parameters.WithHelp("Branch under review"),
					parameters.WithRequired(true),
				),
				parameters.NewParameterDefinition(
					"base",
					parameters.ParameterTypeString,
					parameters.WithHelp("Base ref (defaults to policy branch.base_ref)"),
					parameters.WithDefault(""),
				),
			)...),
		),
	}, nil
}

func (c *reviewGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &reviewSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	result, err := service.Review(ctx, orchestrator.ReviewOptions{
		Branch:  settings.Branch,
		BaseRef: settings.Base,
	})
	if err != nil {
		var bound *loop.BoundExceededError
		if errors.As(err, &bound) {
			printResult(result)
			return err
		}
		return err
	}
	printResult(result)
	return nil
}

var _ cmds.BareCommand = &reviewGlazedCommand{}

type resumeGlazedCommand struct {
	*cmds.CommandDescription
}

type resumeSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
}

func newResumeGlazedCommand() (cmds.Command, error) {
	return &resumeGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"resume",
			cmds.WithShort("Resume an interrupted session from its checkpoint"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"session",
					parameters.ParameterTypeString,
					parameters.WithHelp("Session ID"),
					parameters.WithRequired(true),
				),
			)...),
		),
	}, nil
}

func (c *resumeGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &resumeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	result, err := service.Resume(ctx, settings.SessionID)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

var _ cmds.BareCommand = &resumeGlazedCommand{}

type abortGlazedCommand struct {
	*cmds.CommandDescription
}

type abortSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
	Reason     string `glazed.parameter:"reason"`
}

func newAbortGlazedCommand() (cmds.Command, error) {
	return &abortGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"abort",
			cmds.WithShort("Abort an active session"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"session",
					parameters.ParameterTypeString,
					parameters.WithHelp("Session ID"),
					parameters.WithRequired(true),
				),
				parameters.NewParameterDefinition(
					"reason",
					parameters.ParameterTypeString,
					parameters.WithHelp("Reason recorded on the session"),
					parameters.WithDefault("aborted by operator"),
				),
			)...),
		),
	}, nil
}

func (c *abortGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &abortSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	if err := service.Abort(ctx, settings.SessionID, settings.Reason); err != nil {
		return err
	}
	fmt.Printf("Session %s aborted: %s\n", settings.SessionID, settings.Reason)
	return nil
}

var _ cmds.BareCommand = &abortGlazedCommand{}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
}

func newStatusGlazedCommand() (cmds.Command, error) {
	return &statusGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Show one session's phase, checkpoint, and ledgers"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"session",
					parameters.ParameterTypeString,
					parameters.WithHelp("Session ID"),
					parameters.WithRequired(true),
				),
			)...),
		),
	}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	report, err := service.Status(ctx, settings.SessionID)
	if err != nil {
		return err
	}
	fmt.Print(report)
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}
