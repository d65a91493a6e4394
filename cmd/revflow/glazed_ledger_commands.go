package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"revflow/internal/policy"
)

type sessionsGlazedCommand struct {
	*cmds.CommandDescription
}

type sessionsSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	Limit      int    `glazed.parameter:"limit"`
}

func newSessionsGlazedCommand() (cmds.Command, error) {
	return &sessionsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"sessions",
			cmds.WithShort("List review sessions"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum sessions to list"),
					parameters.WithDefault(20),
				),
			)...),
		),
	}, nil
}

func (c *sessionsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &sessionsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	sessions, err := service.Sessions(settings.Limit)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		fmt.Printf("%s  %-12s  iter %d  %s (base %s)\n",
			session.SessionID, session.Phase, session.Iteration, session.Branch, session.BaseRef)
	}
	return nil
}

var _ cmds.BareCommand = &sessionsGlazedCommand{}

type commentsGlazedCommand struct {
	*cmds.CommandDescription
}

type commentsSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
}

func newCommentsGlazedCommand() (cmds.Command, error) {
	return &commentsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"comments",
			cmds.WithShort("List a session's comment ledger"),
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

func (c *commentsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &commentsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	comments, err := service.Comments(settings.SessionID)
	if err != nil {
		return err
	}
	for _, comment := range comments {
		fmt.Printf("%s  %-12s  %s:%d-%d  [%s]  %s\n",
			comment.ID, comment.Classification, comment.FilePath, comment.StartLine, comment.EndLine, comment.Source, comment.Body)
	}
	return nil
}

var _ cmds.BareCommand = &commentsGlazedCommand{}

type verdictsGlazedCommand struct {
	*cmds.CommandDescription
}

type verdictsSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
}

func newVerdictsGlazedCommand() (cmds.Command, error) {
	return &verdictsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"verdicts",
			cmds.WithShort("List a session's arbitration verdicts"),
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

func (c *verdictsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &verdictsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	verdicts, err := service.Verdicts(settings.SessionID)
	if err != nil {
		return err
	}
	for _, verdict := range verdicts {
		fmt.Printf("%s  %-10s  confidence=%s  rounds=%d  %s\n",
			verdict.CommentID, verdict.Outcome, verdict.Confidence, verdict.Rounds, verdict.Rationale)
	}
	return nil
}

var _ cmds.BareCommand = &verdictsGlazedCommand{}

type eventsGlazedCommand struct {
	*cmds.CommandDescription
}

type eventsSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	SessionID  string `glazed.parameter:"session"`
	Limit      int    `glazed.parameter:"limit"`
}

func newEventsGlazedCommand() (cmds.Command, error) {
	return &eventsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"events",
			cmds.WithShort("Show a session's audit trail"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"session",
					parameters.ParameterTypeString,
					parameters.WithHelp("Session ID"),
					parameters.WithRequired(true),
				),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum events to show"),
					parameters.WithDefault(50),
				),
			)...),
		),
	}, nil
}

func (c *eventsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &eventsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	events, err := service.Events(settings.SessionID, settings.Limit)
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Printf("%s  %s/%s  %s", event.CreatedAt.Format("2006-01-02 15:04:05"), event.EntityType, event.EventType, event.EntityID)
		if event.FromState != "" || event.ToState != "" {
			fmt.Printf("  %s -> %s", event.FromState, event.ToState)
		}
		if event.Message != "" {
			fmt.Printf("  %s", event.Message)
		}
		fmt.Println()
	}
	return nil
}

var _ cmds.BareCommand = &eventsGlazedCommand{}

type busDrainGlazedCommand struct {
	*cmds.CommandDescription
}

type busDrainSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	Repo       string `glazed.parameter:"repo"`
	Limit      int    `glazed.parameter:"limit"`
}

func newBusDrainGlazedCommand() (cmds.Command, error) {
	return &busDrainGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"bus-drain",
			cmds.WithShort("Deliver queued event bus messages"),
			cmds.WithFlags(append(serviceFlags(),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum messages to deliver"),
					parameters.WithDefault(100),
				),
			)...),
		),
	}, nil
}

func (c *busDrainGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &busDrainSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	service, err := buildService(settings.DBPath, settings.PolicyPath, settings.Repo)
	if err != nil {
		return err
	}
	defer service.Close()

	processed, err := service.DrainEvents(ctx, settings.Limit)
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d message(s)\n", processed)
	return nil
}

var _ cmds.BareCommand = &busDrainGlazedCommand{}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (cmds.Command, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}
